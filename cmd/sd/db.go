package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the service desk database",
		Long:  "Creates the database (MySQL), migrates all tables and seeds the staff from the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := db.CreateDatabase(cfg.Database); err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedStaff(gdb, cfg.Staff); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d staff members\n", len(cfg.Staff))
	fmt.Fprintln(out, "\nService desk database initialized successfully.")
	return nil
}

func newDBSeedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Re-seed staff from the config",
		Long:  "Upserts every staff member listed in the config and replaces their manager links.",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBase(configPath)
			if err != nil {
				return err
			}
			if err := db.SeedStaff(b.db, b.cfg.Staff); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d staff members\n", len(b.cfg.Staff))
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/servicedesk/internal/timer"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect persisted escalation and shift timers",
	}

	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending timer jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBase(configPath)
			if err != nil {
				return err
			}
			jobs, err := timer.NewGormJobStore(b.db).List(cmd.Context())
			if err != nil {
				return err
			}
			writeJobTable(cmd.OutOrStdout(), jobs, time.Now())
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func writeJobTable(out io.Writer, jobs []timer.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No pending jobs.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tTIER\tFIRES AT\tIN")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Subject, j.Tier, j.FireAt.Format(time.RFC3339), j.FireAt.Sub(now).Round(time.Second))
	}
	w.Flush()
}

func newJobsCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Delete a persisted timer job",
		Long: "Deletes the job from the store. A running server keeps its in-memory timer until it\n" +
			"restarts; use DELETE /api/jobs/<id> on the admin API to cancel it live.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBase(configPath)
			if err != nil {
				return err
			}
			ok, err := timer.NewGormJobStore(b.db).Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

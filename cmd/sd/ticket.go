package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/desk"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/ticket"
)

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ticket",
		Aliases: []string{"t"},
		Short:   "Inspect tickets",
	}

	cmd.AddCommand(newTicketListCmd())
	cmd.AddCommand(newTicketShowCmd())
	return cmd
}

func openTickets(configPath string) (*ticket.Service, error) {
	b, err := openBase(configPath)
	if err != nil {
		return nil, err
	}
	return ticket.NewService(ticket.ServiceOpts{Store: ticket.NewGormStore(b.db), Clock: clock.Real(), Logger: b.log})
}

func newTicketListCmd() *cobra.Command {
	var (
		configPath string
		open       bool
		group      string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ticket.Filter{OpenOnly: open, Limit: limit}
			if group != "" {
				f.Group = models.SupportGroup(strings.ToUpper(group))
				if !f.Group.Valid() {
					return fmt.Errorf("unknown group %q (ENGINEER, DISPATCHER)", group)
				}
			}
			if status != "" {
				f.Statuses = []models.TicketStatus{models.TicketStatus(strings.ToUpper(status))}
			}
			svc, err := openTickets(configPath)
			if err != nil {
				return err
			}
			tickets, err := svc.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			writeTicketTable(cmd.OutOrStdout(), tickets, time.Now())
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&open, "open", false, "only tickets that are not completed")
	cmd.Flags().StringVar(&group, "group", "", "filter by support group")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (NEW, ASSIGNED, IN_WORK, COMPLETED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tickets")
	return cmd
}

func writeTicketTable(out io.Writer, tickets []models.Ticket, now time.Time) {
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No tickets found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tSTATUS\tGROUP\tPERFORMER\tAGE\tTITLE")
	for _, t := range tickets {
		performer := t.PerformerName()
		if performer == "" {
			performer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Number, t.Status, t.SupportGroup, performer, now.Sub(t.CreatedAt).Round(time.Minute), t.Title)
	}
	w.Flush()
}

func newTicketShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <number>",
		Short: "Show one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openTickets(configPath)
			if err != nil {
				return err
			}
			t, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), desk.Describe(t, time.Now()))
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/desk"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/shift"
)

// Desk is the lifecycle surface the chat commands drive.
type Desk interface {
	User(ctx context.Context, chatID, name string) (*models.User, error)
	Claim(ctx context.Context, chatID, number string) (*models.Ticket, error)
	Start(ctx context.Context, chatID, number string) (*models.Ticket, error)
	AssignCandidates(ctx context.Context, chatID, number string) ([]conversation.Candidate, error)
	CheckClose(ctx context.Context, chatID, number string) (*models.Ticket, error)
	Rate(ctx context.Context, chatID, number string, rating int) (*models.Ticket, error)
	Show(ctx context.Context, chatID, number string) (*models.Ticket, error)
	MyTickets(ctx context.Context, chatID string) ([]models.Ticket, error)
	StartShift(ctx context.Context, chatID string) (*models.Shift, error)
	EndShift(ctx context.Context, chatID string) (*models.Shift, error)
	EndBreak(ctx context.Context, chatID string) (*models.Shift, error)
	CurrentShift(ctx context.Context, chatID string) (*models.Shift, error)
	CheckBreak(ctx context.Context, chatID string) error
}

// Dialogs runs multi-step conversations.
type Dialogs interface {
	Start(ctx context.Context, userID string, kind conversation.Kind, args conversation.Args) ([]conversation.Reply, error)
	Handle(ctx context.Context, userID string, ev conversation.Event) (bool, []conversation.Reply, error)
	Cancel(ctx context.Context, userID string) (bool, error)
}

// Commands executes slash commands.
type Commands struct {
	desk    Desk
	dialogs Dialogs
	clock   clock.Clock
	log     *zap.Logger
}

// HelpText lists the chat commands.
const HelpText = "Commands:\n" +
	"/new [ENGINEER|DISPATCHER] - raise a ticket\n" +
	"/my - your open tickets\n" +
	"/show <ticket> - ticket details\n" +
	"/rate <ticket> <0-5> - rate a closed ticket\n" +
	"/claim <ticket> - take a ticket\n" +
	"/assign <ticket> - assign a ticket to an engineer\n" +
	"/start <ticket> - start an assigned ticket\n" +
	"/close <ticket> - close a ticket with a report\n" +
	"/shift start|end|status - your working shift\n" +
	"/break - take a break, /resume - end it\n" +
	"/cancel - abandon the current conversation"

type handlerFunc func(ctx context.Context, userID string, args []string) ([]conversation.Reply, error)

func (c *Commands) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"/help":   c.help,
		"/new":    c.newTicket,
		"/claim":  c.claim,
		"/assign": c.assign,
		"/start":  c.start,
		"/close":  c.closeTicket,
		"/rate":   c.rate,
		"/show":   c.show,
		"/my":     c.my,
		"/shift":  c.shift,
		"/break":  c.takeBreak,
		"/resume": c.resume,
	}
}

// IsCommand reports whether text is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Execute runs one command line for userID and returns the replies.
func (c *Commands) Execute(ctx context.Context, userID, text string) []conversation.Reply {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text1(HelpText)
	}
	name := strings.ToLower(fields[0])
	// "/claim@sdbot SD-1" in group chats
	name, _, _ = strings.Cut(name, "@")
	h, ok := c.handlers()[name]
	if !ok {
		return text1(fmt.Sprintf("Unknown command %s.\n%s", name, HelpText))
	}
	replies, err := h(ctx, userID, fields[1:])
	if err != nil {
		return text1(c.errorText(userID, name, err))
	}
	return replies
}

func (c *Commands) errorText(userID, command string, err error) string {
	if errs.IsBusiness(err) {
		return errs.UserMessage(err)
	}
	c.log.Error("command failed", zap.String("user", userID), zap.String("command", command), zap.Error(err))
	return errs.GenericUserMessage
}

func text1(s string) []conversation.Reply {
	return []conversation.Reply{{Text: s}}
}

func usage(s string) ([]conversation.Reply, error) {
	return text1("Usage: " + s), nil
}

func (c *Commands) help(context.Context, string, []string) ([]conversation.Reply, error) {
	return text1(HelpText), nil
}

func (c *Commands) newTicket(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	var g models.SupportGroup
	if len(args) > 0 {
		g = models.SupportGroup(strings.ToUpper(args[0]))
	}
	return c.dialogs.Start(ctx, userID, conversation.KindNewTicket, conversation.Args{Group: g})
}

func (c *Commands) claim(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 1 {
		return usage("/claim <ticket>")
	}
	t, err := c.desk.Claim(ctx, userID, args[0])
	if err != nil {
		return nil, err
	}
	return text1(fmt.Sprintf("You took %s: %s", t.Number, t.Title)), nil
}

func (c *Commands) assign(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 1 {
		return usage("/assign <ticket>")
	}
	number := strings.ToUpper(args[0])
	cands, err := c.desk.AssignCandidates(ctx, userID, number)
	if err != nil {
		return nil, err
	}
	return c.dialogs.Start(ctx, userID, conversation.KindAssign, conversation.Args{Ticket: number, Candidates: cands})
}

func (c *Commands) start(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) == 0 {
		return text1("Hello! I route IT support tickets.\n" + HelpText), nil
	}
	t, err := c.desk.Start(ctx, userID, args[0])
	if err != nil {
		return nil, err
	}
	return text1(fmt.Sprintf("%s is in work.", t.Number)), nil
}

func (c *Commands) closeTicket(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 1 {
		return usage("/close <ticket>")
	}
	t, err := c.desk.CheckClose(ctx, userID, args[0])
	if err != nil {
		return nil, err
	}
	return c.dialogs.Start(ctx, userID, conversation.KindCloseTicket, conversation.Args{Ticket: t.Number})
}

func (c *Commands) rate(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 2 {
		return usage("/rate <ticket> <0-5>")
	}
	r, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, errs.Invalid("rating", "must be a number between 0 and 5")
	}
	t, err := c.desk.Rate(ctx, userID, args[0], r)
	if err != nil {
		return nil, err
	}
	return text1(fmt.Sprintf("Thank you! %s rated %d.", t.Number, r)), nil
}

func (c *Commands) show(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 1 {
		return usage("/show <ticket>")
	}
	t, err := c.desk.Show(ctx, userID, args[0])
	if err != nil {
		return nil, err
	}
	return text1(desk.Describe(t, c.clock.Now())), nil
}

func (c *Commands) my(ctx context.Context, userID string, _ []string) ([]conversation.Reply, error) {
	tickets, err := c.desk.MyTickets(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return text1("You have no open tickets."), nil
	}
	return text1(formatTicketList(fmt.Sprintf("Your open tickets (%d):", len(tickets)), tickets, c.clock.Now())), nil
}

func (c *Commands) shift(ctx context.Context, userID string, args []string) ([]conversation.Reply, error) {
	if len(args) != 1 {
		return usage("/shift start|end|status")
	}
	switch strings.ToLower(args[0]) {
	case "start":
		sh, err := c.desk.StartShift(ctx, userID)
		if err != nil {
			return nil, err
		}
		return text1(fmt.Sprintf("Shift started at %s.", sh.StartedAt.Format("15:04"))), nil
	case "end":
		sh, err := c.desk.EndShift(ctx, userID)
		if err != nil {
			return nil, err
		}
		return text1(fmt.Sprintf("Shift ended. You worked %s.", shift.Worked(sh, c.clock.Now()).Round(time.Minute))), nil
	case "status":
		sh, err := c.desk.CurrentShift(ctx, userID)
		if err != nil {
			return nil, err
		}
		return text1(shiftStatus(sh, c.clock.Now())), nil
	}
	return usage("/shift start|end|status")
}

func shiftStatus(sh *models.Shift, now time.Time) string {
	s := fmt.Sprintf("Shift open since %s, worked %s.", sh.StartedAt.Format("15:04"), shift.Worked(sh, now).Round(time.Minute))
	if b := sh.ActiveBreak(); b != nil {
		back := b.StartedAt.Add(time.Duration(b.PlannedMinutes) * time.Minute)
		s += fmt.Sprintf(" On a break until %s.", back.Format("15:04"))
	}
	return s
}

func (c *Commands) takeBreak(ctx context.Context, userID string, _ []string) ([]conversation.Reply, error) {
	if err := c.desk.CheckBreak(ctx, userID); err != nil {
		return nil, err
	}
	return c.dialogs.Start(ctx, userID, conversation.KindBreak, conversation.Args{})
}

func (c *Commands) resume(ctx context.Context, userID string, _ []string) ([]conversation.Reply, error) {
	if _, err := c.desk.EndBreak(ctx, userID); err != nil {
		return nil, err
	}
	return text1("Welcome back."), nil
}

// formatTicketList renders one line per ticket under title.
func formatTicketList(title string, tickets []models.Ticket, now time.Time) string {
	var b strings.Builder
	b.WriteString(title)
	for _, t := range tickets {
		fmt.Fprintf(&b, "\n%s [%s] %s", t.Number, t.Status, truncate(t.Title, 60))
		if t.HasPerformer() {
			fmt.Fprintf(&b, " - %s", t.PerformerName())
		}
		fmt.Fprintf(&b, " (open %s)", now.Sub(t.CreatedAt).Round(time.Minute))
	}
	return b.String()
}

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

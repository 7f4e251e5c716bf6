package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/telegraph"
	"github.com/zulandar/servicedesk/internal/timer"
)

// TicketReader loads the current state of a ticket.
type TicketReader interface {
	Get(ctx context.Context, number string) (*models.Ticket, error)
}

// Directory resolves escalation audiences to users.
type Directory interface {
	OnDuty(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error)
	ByRole(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error)
	Managers(ctx context.Context, id uint) ([]models.User, error)
	ByID(ctx context.Context, id uint) (*models.User, error)
}

// Timers is the subset of timer.Service the engine uses.
type Timers interface {
	Register(tier timer.Tier, h timer.Handler)
	Schedule(ctx context.Context, subject string, tier timer.Tier, fireAt time.Time) (timer.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Timers    Timers
	Tickets   TicketReader
	Directory Directory
	Notifier  notify.Notifier
	Audit     AuditLog
	T1        time.Duration
	T2        time.Duration
	Deadline  time.Duration
	Logger    *zap.Logger
}

// Engine schedules the escalation jobs of tickets and handles them when they
// fire.
type Engine struct {
	timers   Timers
	tickets  TicketReader
	dir      Directory
	notifier notify.Notifier
	audit    AuditLog
	t1       time.Duration
	t2       time.Duration
	deadline time.Duration
	log      *zap.Logger
}

var ticketTiers = []timer.Tier{timer.TierActivationT1, timer.TierActivationT2, timer.TierDeadline}

// New creates an Engine and registers its handlers for the ticket tiers.
func New(opts Opts) (*Engine, error) {
	switch {
	case opts.Timers == nil:
		return nil, fmt.Errorf("escalation: timers is required")
	case opts.Tickets == nil:
		return nil, fmt.Errorf("escalation: tickets is required")
	case opts.Directory == nil:
		return nil, fmt.Errorf("escalation: directory is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("escalation: notifier is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("escalation: audit is required")
	}
	if opts.T1 <= 0 || opts.T2 <= opts.T1 || opts.Deadline <= 0 {
		return nil, fmt.Errorf("escalation: timers must satisfy 0 < t1 < t2 and deadline > 0")
	}
	e := &Engine{
		timers:   opts.Timers,
		tickets:  opts.Tickets,
		dir:      opts.Directory,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		t1:       opts.T1,
		t2:       opts.T2,
		deadline: opts.Deadline,
		log:      logging.OrNop(opts.Logger).Named("escalation"),
	}
	for _, tier := range ticketTiers {
		e.timers.Register(tier, e.Handle)
	}
	return e, nil
}

// ScheduleTicket registers the T1, T2 and deadline jobs for t, measured from
// its creation time. Close-command tickets are not escalated. Jobs that are
// already pending are kept.
func (e *Engine) ScheduleTicket(ctx context.Context, t *models.Ticket) error {
	if t.IsCloseCommand || t.Status == models.StatusCompleted {
		return nil
	}
	offsets := map[timer.Tier]time.Duration{
		timer.TierActivationT1: e.t1,
		timer.TierActivationT2: e.t2,
		timer.TierDeadline:     e.deadline,
	}
	for _, tier := range ticketTiers {
		_, err := e.timers.Schedule(ctx, t.Number, tier, t.CreatedAt.Add(offsets[tier]))
		if err != nil && !errors.Is(err, timer.ErrJobExists) {
			return fmt.Errorf("escalation: schedule %s: %w", t.Number, err)
		}
	}
	return nil
}

// CancelTicket cancels all pending escalation jobs of the ticket.
func (e *Engine) CancelTicket(ctx context.Context, number string) error {
	var errList []error
	for _, tier := range ticketTiers {
		if _, err := e.timers.Cancel(ctx, timer.JobID(number, tier)); err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("escalation: cancel %s: %w", number, errors.Join(errList...))
	}
	return nil
}

// CancelActivation cancels the T1 and T2 jobs of the ticket, leaving the
// deadline job in place. Used when a ticket is taken.
func (e *Engine) CancelActivation(ctx context.Context, number string) error {
	for _, tier := range ticketTiers[:2] {
		if _, err := e.timers.Cancel(ctx, timer.JobID(number, tier)); err != nil {
			return fmt.Errorf("escalation: cancel %s: %w", number, err)
		}
	}
	return nil
}

// Handle is the timer handler for the ticket tiers. It re-reads the ticket,
// decides, resolves recipients with fallback and notifies them. The outcome
// is always audited; a failed escalation is not retried.
func (e *Engine) Handle(ctx context.Context, job timer.Job) {
	log := e.log.With(zap.String("ticket", job.Subject), zap.String("tier", string(job.Tier)))

	t, err := e.tickets.Get(ctx, job.Subject)
	if err != nil && !errs.IsNotFound(err) {
		log.Error("load ticket for escalation", zap.Error(err))
		e.record(ctx, job, OutcomeFailed, nil, err.Error())
		return
	}
	if err != nil {
		t = nil
	}

	d := Decide(job.Tier, t)
	if !d.Escalate {
		log.Debug("escalation not needed", zap.String("reason", d.Reason))
		e.record(ctx, job, OutcomeNoop, nil, d.Reason)
		return
	}

	audience, recipients, err := e.resolve(ctx, d.Audience, t)
	if err != nil {
		log.Error("resolve escalation recipients", zap.Error(err))
		e.record(ctx, job, OutcomeFailed, nil, err.Error())
		return
	}
	if len(recipients) == 0 {
		nerr := &errs.NoEligibleRecipientError{Tier: string(d.Audience)}
		log.Warn("escalation has no recipients", zap.Error(nerr))
		e.record(ctx, job, OutcomeFailed, nil, nerr.Error())
		return
	}
	if audience != d.Audience {
		log.Warn("escalation tier empty, fell back",
			zap.String("wanted", string(d.Audience)),
			zap.String("used", string(audience)))
	}

	e.notifier.Notify(ctx, recipients, e.staffText(job.Tier, d, t), claimKeyboard(t))
	if d.NotifyApplicant {
		if applicant, err := e.dir.ByID(ctx, t.ApplicantID); err != nil {
			log.Warn("load applicant", zap.Error(err))
		} else {
			e.notifier.Notify(ctx, []models.User{*applicant}, e.applicantText(job.Tier, t), nil)
		}
	}

	detail := string(audience)
	if d.Urgent {
		detail += " urgent"
	}
	e.record(ctx, job, OutcomeNotified, recipients, detail)
	log.Info("ticket escalated", zap.String("audience", string(audience)), zap.Int("recipients", len(recipients)))
}

// resolve returns the first non-empty audience starting at a.
func (e *Engine) resolve(ctx context.Context, a Audience, t *models.Ticket) (Audience, []models.User, error) {
	for ; a != AudienceNone; a = a.Fallback() {
		users, err := e.members(ctx, a, t)
		if err != nil {
			return a, nil, err
		}
		if len(users) > 0 {
			return a, users, nil
		}
	}
	return AudienceNone, nil, nil
}

func (e *Engine) members(ctx context.Context, a Audience, t *models.Ticket) ([]models.User, error) {
	switch a {
	case AudienceSeniorsOnDuty:
		return e.dir.OnDuty(ctx, models.RoleSenior, t.SupportGroup)
	case AudienceManagers:
		if t.PerformerID == nil {
			return nil, nil
		}
		return e.dir.Managers(ctx, *t.PerformerID)
	case AudienceLeads:
		return e.dir.ByRole(ctx, models.RoleLead, "")
	case AudienceHeads:
		return e.dir.ByRole(ctx, models.RoleHead, "")
	}
	return nil, nil
}

func (e *Engine) staffText(tier timer.Tier, d Decision, t *models.Ticket) string {
	var b strings.Builder
	switch {
	case d.Urgent:
		fmt.Fprintf(&b, "URGENT: ticket %s has no performer after the deadline (%s).", t.Number, minutes(e.deadline))
	case tier == timer.TierDeadline:
		fmt.Fprintf(&b, "Ticket %s taken by %s is not completed after the deadline (%s).", t.Number, t.PerformerName(), minutes(e.deadline))
	case tier == timer.TierActivationT2:
		fmt.Fprintf(&b, "Ticket %s (%s) still has no performer after %s.", t.Number, t.SupportGroup, minutes(e.t2))
	default:
		fmt.Fprintf(&b, "Ticket %s (%s) has no performer after %s.", t.Number, t.SupportGroup, minutes(e.t1))
	}
	fmt.Fprintf(&b, "\n%s", t.Title)
	return b.String()
}

func (e *Engine) applicantText(tier timer.Tier, t *models.Ticket) string {
	if tier == timer.TierActivationT2 {
		return fmt.Sprintf("Your ticket %s is still waiting and has been escalated to the team leads. "+
			"Staff of the %s group may not be on duty yet.", t.Number, t.SupportGroup)
	}
	return fmt.Sprintf("Your ticket %s has not been taken yet and has been escalated to senior staff.", t.Number)
}

func claimKeyboard(t *models.Ticket) *telegraph.Keyboard {
	if t.HasPerformer() {
		return nil
	}
	return telegraph.NewKeyboard(telegraph.Row(
		telegraph.Button{Label: "Claim " + t.Number, Value: "/claim " + t.Number},
	))
}

func (e *Engine) record(ctx context.Context, job timer.Job, outcome string, recipients []models.User, detail string) {
	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ChatID
	}
	ev := &models.EscalationEvent{
		Subject:    job.Subject,
		Tier:       string(job.Tier),
		Outcome:    outcome,
		Recipients: strings.Join(ids, ","),
		Detail:     detail,
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		e.log.Error("record escalation", zap.String("ticket", job.Subject), zap.Error(err))
	}
}

func minutes(d time.Duration) string {
	return fmt.Sprintf("%d minutes", int(d/time.Minute))
}

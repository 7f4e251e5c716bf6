package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/ticket"
)

// TicketLister lists tickets.
type TicketLister interface {
	List(ctx context.Context, f ticket.Filter) ([]models.Ticket, error)
}

// RoleDirectory lists users by role.
type RoleDirectory interface {
	ByRole(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error)
}

// DigestOpts holds parameters for creating a Digest.
type DigestOpts struct {
	Tickets   TicketLister
	Directory RoleDirectory
	Notifier  notify.Notifier
	Clock     clock.Clock
	Cron      string
	Logger    *zap.Logger
}

// Digest periodically sends the list of open tickets to the leads. When
// no lead is configured it goes to the heads instead.
type Digest struct {
	tickets  TicketLister
	dir      RoleDirectory
	notifier notify.Notifier
	clock    clock.Clock
	sched    cron.Schedule
	log      *zap.Logger

	mu    sync.Mutex
	timer clock.Timer
	done  bool
}

// NewDigest creates a Digest.
func NewDigest(opts DigestOpts) (*Digest, error) {
	switch {
	case opts.Tickets == nil:
		return nil, fmt.Errorf("bot: tickets are required")
	case opts.Directory == nil:
		return nil, fmt.Errorf("bot: directory is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("bot: notifier is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("bot: clock is required")
	}
	sched, err := ParseCron(opts.Cron)
	if err != nil {
		return nil, err
	}
	return &Digest{
		tickets:  opts.Tickets,
		dir:      opts.Directory,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		sched:    sched,
		log:      logging.OrNop(opts.Logger).Named("digest"),
	}, nil
}

// Start arms the schedule. Each run re-arms it for the next fire time
// until Stop is called or ctx is done.
func (d *Digest) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	wait := nextCronDuration(d.sched, d.clock.Now())
	d.timer = d.clock.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.Send(ctx); err != nil {
			d.log.Error("digest failed", zap.Error(err))
		}
		d.Start(ctx)
	})
	d.log.Debug("digest armed", zap.Duration("in", wait))
}

// Stop disarms the schedule.
func (d *Digest) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Send builds the digest and delivers it. It returns the number of open
// tickets reported; an empty digest is not sent.
func (d *Digest) Send(ctx context.Context) (int, error) {
	open, err := d.tickets.List(ctx, ticket.Filter{OpenOnly: true})
	if err != nil {
		return 0, fmt.Errorf("bot: digest: %w", err)
	}
	if len(open) == 0 {
		d.log.Debug("digest skipped, no open tickets")
		return 0, nil
	}
	recipients, err := d.recipients(ctx)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		d.log.Warn("digest has no recipients", zap.Int("open", len(open)))
		return len(open), nil
	}
	text := formatTicketList(fmt.Sprintf("Open tickets (%d):", len(open)), open, d.clock.Now())
	d.notifier.Notify(ctx, recipients, text, nil)
	d.log.Info("digest sent", zap.Int("open", len(open)), zap.Int("recipients", len(recipients)))
	return len(open), nil
}

func (d *Digest) recipients(ctx context.Context) ([]models.User, error) {
	for _, role := range []models.Role{models.RoleLead, models.RoleHead} {
		users, err := d.dir.ByRole(ctx, role, "")
		if err != nil {
			return nil, fmt.Errorf("bot: digest recipients: %w", err)
		}
		if len(users) > 0 {
			return users, nil
		}
	}
	return nil, nil
}

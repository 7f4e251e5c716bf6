// Package bot is the chat front end of the service desk: it pumps inbound
// messages from the adapter through attachment coalescing and per-user
// ordering into the router, and runs the background schedules.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/conversation"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

// DefaultAttachmentWindow is how long attachments of one batch are
// collected before they are handed to the dialog.
const DefaultAttachmentWindow = 50 * time.Millisecond

// Restorer re-arms persisted timer jobs on startup.
type Restorer interface {
	Restore(ctx context.Context) (int, error)
	Stop()
}

// Runner is a background loop that runs until ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapter          telegraph.Adapter
	Desk             Desk
	Dialogs          Dialogs
	Timers           Restorer // optional
	Intake           Runner   // optional
	Digest           *Digest  // optional
	Clock            clock.Clock
	AttachmentWindow time.Duration // defaults to DefaultAttachmentWindow
	Logger           *zap.Logger
}

// Daemon is the long-running bot process.
type Daemon struct {
	adapter telegraph.Adapter
	desk    Desk
	dialogs Dialogs
	timers  Restorer
	intake  Runner
	digest  *Digest
	clock   clock.Clock
	window  time.Duration
	log     *zap.Logger
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	switch {
	case opts.Adapter == nil:
		return nil, fmt.Errorf("bot: adapter is required")
	case opts.Desk == nil:
		return nil, fmt.Errorf("bot: desk is required")
	case opts.Dialogs == nil:
		return nil, fmt.Errorf("bot: dialogs are required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	window := opts.AttachmentWindow
	if window <= 0 {
		window = DefaultAttachmentWindow
	}
	return &Daemon{
		adapter: opts.Adapter,
		desk:    opts.Desk,
		dialogs: opts.Dialogs,
		timers:  opts.Timers,
		intake:  opts.Intake,
		digest:  opts.Digest,
		clock:   clk,
		window:  window,
		log:     logging.OrNop(opts.Logger).Named("bot"),
	}, nil
}

// Run connects to the chat platform, restores timers, starts the
// background loops and pumps inbound messages until ctx is cancelled or
// the adapter closes its channel.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("connecting")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(telegraph.BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		Adapter:   d.adapter,
		Desk:      d.desk,
		Dialogs:   d.dialogs,
		Clock:     d.clock,
		BotUserID: botUserID,
		Logger:    d.log,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build router: %w", err)
	}

	if d.timers != nil {
		n, err := d.timers.Restore(ctx)
		if err != nil {
			d.adapter.Close()
			return fmt.Errorf("bot: restore timers: %w", err)
		}
		d.log.Info("timers restored", zap.Int("jobs", n))
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	// Background loops stop with runCtx; handlers already queued may
	// finish after ctx is cancelled.
	runCtx, cancel := context.WithCancel(ctx)
	handleCtx := context.WithoutCancel(ctx)

	var bg sync.WaitGroup
	if d.intake != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			d.intake.Run(runCtx)
		}()
	}
	if d.digest != nil {
		d.digest.Start(runCtx)
	}

	queue := conversation.NewQueue()
	coalescer := conversation.NewCoalescer(d.clock, d.window, func(msg telegraph.InboundMessage) {
		queue.Submit(msg.UserID, func() { router.Handle(handleCtx, msg) })
	})

	d.log.Info("online", zap.String("bot_user", botUserID))

	defer func() {
		cancel()
		coalescer.Flush()
		queue.Wait()
		if d.digest != nil {
			d.digest.Stop()
		}
		if d.timers != nil {
			d.timers.Stop()
		}
		bg.Wait()
		if err := d.adapter.Close(); err != nil {
			d.log.Warn("close adapter", zap.Error(err))
		}
		d.log.Info("stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.log.Info("inbound channel closed")
				return nil
			}
			coalescer.Add(msg)
		}
	}
}

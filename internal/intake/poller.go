package intake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/ticket"
)

const defaultInterval = time.Minute

// Desk is the part of the desk the poller drives.
type Desk interface {
	User(ctx context.Context, chatID, name string) (*models.User, error)
	CreateAutomatic(ctx context.Context, applicant *models.User, in ticket.CreateInput) (*models.Ticket, error)
	CloseByExternalRef(ctx context.Context, ref, comment string) (*models.Ticket, error)
}

// Finder looks tickets up by external reference.
type Finder interface {
	FindByExternalRef(ctx context.Context, ref string) (*models.Ticket, error)
}

// PollerOpts holds parameters for creating a Poller.
type PollerOpts struct {
	Source   Source
	Desk     Desk
	Tickets  Finder
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller periodically fetches candidates and applies them.
type Poller struct {
	source   Source
	desk     Desk
	tickets  Finder
	interval time.Duration
	log      *zap.Logger
}

// Result counts what one poll did.
type Result struct {
	Created    int
	Closed     int
	Duplicates int
	Failed     int
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOpts) (*Poller, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("intake: source is required")
	case opts.Desk == nil:
		return nil, fmt.Errorf("intake: desk is required")
	case opts.Tickets == nil:
		return nil, fmt.Errorf("intake: tickets is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		source:   opts.Source,
		desk:     opts.Desk,
		tickets:  opts.Tickets,
		interval: interval,
		log:      logging.OrNop(opts.Logger).Named("intake"),
	}, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("intake poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("intake poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("intake poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce fetches and applies one batch of candidates.
func (p *Poller) PollOnce(ctx context.Context) (Result, error) {
	var res Result
	cands, err := p.source.Fetch(ctx)
	if err != nil {
		return res, err
	}
	for _, c := range cands {
		outcome, err := p.apply(ctx, c)
		failed := err != nil
		switch {
		case failed:
			res.Failed++
			log := p.log.Warn
			if !errs.IsBusiness(err) {
				log = p.log.Error
			}
			log("candidate rejected", zap.String("ref", c.ExternalRef), zap.Bool("close", c.Close), zap.Error(err))
		case outcome == outcomeDuplicate:
			res.Duplicates++
		case outcome == outcomeClosed:
			res.Closed++
		default:
			res.Created++
		}
		if a, ok := p.source.(Acker); ok {
			if err := a.Ack(ctx, c, failed); err != nil {
				p.log.Error("ack candidate", zap.String("ref", c.ExternalRef), zap.Error(err))
			}
		}
	}
	if len(cands) > 0 {
		p.log.Info("intake poll done",
			zap.Int("created", res.Created),
			zap.Int("closed", res.Closed),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeClosed
	outcomeDuplicate
)

func (p *Poller) apply(ctx context.Context, c Candidate) (outcome, error) {
	if c.Close {
		return p.close(ctx, c)
	}
	existing, err := p.tickets.FindByExternalRef(ctx, c.ExternalRef)
	switch {
	case err == nil:
		p.log.Debug("candidate already raised", zap.String("ref", c.ExternalRef), zap.String("ticket", existing.Number))
		return outcomeDuplicate, nil
	case !errs.IsNotFound(err):
		return 0, err
	}

	applicant, err := p.desk.User(ctx, c.ApplicantChatID, c.ApplicantName)
	if err != nil {
		return 0, err
	}
	title := c.Title
	if title == "" {
		title = "GSD " + c.ExternalRef
	}
	t, err := p.desk.CreateAutomatic(ctx, applicant, ticket.CreateInput{
		Group:       c.Group,
		Title:       title,
		Description: c.Description,
		ExternalRef: c.ExternalRef,
	})
	if err != nil {
		return 0, err
	}
	p.log.Info("automatic ticket raised", zap.String("ref", c.ExternalRef), zap.String("ticket", t.Number))
	return outcomeCreated, nil
}

// close completes the ticket raised for the candidate's reference and keeps
// the command itself as a close-command record.
func (p *Poller) close(ctx context.Context, c Candidate) (outcome, error) {
	comment := c.Comment
	if comment == "" {
		comment = "Closed in the external ticket system."
	}
	t, err := p.desk.CloseByExternalRef(ctx, c.ExternalRef, comment)
	if err != nil {
		return 0, err
	}
	if c.ApplicantChatID != "" {
		applicant, err := p.desk.User(ctx, c.ApplicantChatID, c.ApplicantName)
		if err == nil {
			_, err = p.desk.CreateAutomatic(ctx, applicant, ticket.CreateInput{
				Group:        t.SupportGroup,
				Title:        "Close " + t.Number,
				Description:  comment,
				ExternalRef:  c.ExternalRef,
				CloseCommand: true,
			})
		}
		if err != nil {
			p.log.Warn("record close command", zap.String("ref", c.ExternalRef), zap.Error(err))
		}
	}
	p.log.Info("ticket closed from intake", zap.String("ref", c.ExternalRef), zap.String("ticket", t.Number))
	return outcomeClosed, nil
}

// Package ticket provides ticket lifecycle operations.
package ticket

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
)

// ValidTransitions maps each status to its valid next statuses.
// COMPLETED is terminal.
var ValidTransitions = map[models.TicketStatus][]models.TicketStatus{
	models.StatusNew:      {models.StatusAssigned, models.StatusInWork},
	models.StatusAssigned: {models.StatusInWork, models.StatusCompleted},
	models.StatusInWork:   {models.StatusCompleted},
}

// DefaultPrefixes are the number prefixes per support group.
var DefaultPrefixes = map[models.SupportGroup]string{
	models.GroupDispatcher: "DS",
	models.GroupEngineer:   "SD",
}

// CreateInput holds parameters for creating a ticket.
type CreateInput struct {
	ApplicantID  uint
	Group        models.SupportGroup
	Title        string
	Description  string
	ExternalRef  string
	Automatic    bool
	CloseCommand bool
}

// Document is a file reference attached on close.
type Document struct {
	FileID string
	Name   string
	URL    string
}

// CloseInput holds the data collected when closing a ticket.
type CloseInput struct {
	Comment   string
	SubTasks  []string
	Documents []Document
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	Store    Store
	Clock    clock.Clock
	Prefixes map[models.SupportGroup]string // defaults to DefaultPrefixes
	Logger   *zap.Logger
}

// Service runs the ticket lifecycle. Every mutation is a single
// Store.Update, so two concurrent claims cannot both succeed.
type Service struct {
	store    Store
	clock    clock.Clock
	prefixes map[models.SupportGroup]string
	log      *zap.Logger
}

// NewService creates a ticket Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ticket: store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("ticket: clock is required")
	}
	prefixes := make(map[models.SupportGroup]string, len(DefaultPrefixes))
	for g, p := range DefaultPrefixes {
		prefixes[g] = p
	}
	for g, p := range opts.Prefixes {
		prefixes[g] = p
	}
	return &Service{
		store:    opts.Store,
		clock:    opts.Clock,
		prefixes: prefixes,
		log:      logging.OrNop(opts.Logger),
	}, nil
}

// IsValidTransition reports whether a ticket may move from one status to another.
func IsValidTransition(from, to models.TicketStatus) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

func transition(t *models.Ticket, to models.TicketStatus) error {
	if t.Status == models.StatusCompleted {
		return &errs.TicketCompletedError{Ticket: t.Number}
	}
	if !IsValidTransition(t.Status, to) {
		return &errs.InvalidTransitionError{Ticket: t.Number, From: string(t.Status), To: string(to)}
	}
	t.Status = to
	return nil
}

// Create validates input and stores a NEW ticket with a freshly issued
// number. Escalation is scheduled by the caller.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Ticket, error) {
	if in.ApplicantID == 0 {
		return nil, errs.Invalid("applicant", "is required")
	}
	if !in.Group.Valid() {
		return nil, errs.Invalid("support group", fmt.Sprintf("%q is not a support group", in.Group))
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errs.Invalid("title", "is required")
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, errs.Invalid("description", "is required")
	}

	t := &models.Ticket{
		Title:          title,
		Description:    desc,
		SupportGroup:   in.Group,
		Status:         models.StatusNew,
		ApplicantID:    in.ApplicantID,
		ExternalRef:    strings.TrimSpace(in.ExternalRef),
		IsAutomatic:    in.Automatic,
		IsCloseCommand: in.CloseCommand,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.Create(ctx, t, s.prefixes[in.Group]); err != nil {
		return nil, err
	}
	s.log.Info("ticket created",
		zap.String("ticket", t.Number),
		zap.String("group", string(t.SupportGroup)),
		zap.Bool("automatic", t.IsAutomatic))
	return s.store.Get(ctx, t.Number)
}

// Claim makes performer the performer of an untaken ticket and moves it
// to IN_WORK.
func (s *Service) Claim(ctx context.Context, number string, performer *models.User) (*models.Ticket, error) {
	t, err := s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if err := checkUntaken(t); err != nil {
			return err
		}
		if err := transition(t, models.StatusInWork); err != nil {
			return err
		}
		t.PerformerID = &performer.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket claimed", zap.String("ticket", number), zap.String("performer", performer.Name))
	return t, nil
}

// Assign makes performer the performer of an untaken ticket on behalf of
// assigner and moves it to ASSIGNED. Reassignment is not supported.
func (s *Service) Assign(ctx context.Context, number string, performer, assigner *models.User) (*models.Ticket, error) {
	t, err := s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if err := checkUntaken(t); err != nil {
			return err
		}
		if err := transition(t, models.StatusAssigned); err != nil {
			return err
		}
		t.PerformerID = &performer.ID
		t.AssignedByID = &assigner.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket assigned",
		zap.String("ticket", number),
		zap.String("performer", performer.Name),
		zap.String("assigned_by", assigner.Name))
	return t, nil
}

func checkUntaken(t *models.Ticket) error {
	if t.Status == models.StatusCompleted {
		return &errs.TicketCompletedError{Ticket: t.Number}
	}
	if t.HasPerformer() {
		return &errs.AlreadyAssignedError{Ticket: t.Number, Performer: t.PerformerName()}
	}
	return nil
}

// Start moves an ASSIGNED ticket to IN_WORK. Only the assigned performer
// may start it.
func (s *Service) Start(ctx context.Context, number string, performer *models.User) (*models.Ticket, error) {
	return s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if t.PerformerID == nil || *t.PerformerID != performer.ID {
			return &errs.PermissionDeniedError{User: performer.Name, Action: "start " + number}
		}
		return transition(t, models.StatusInWork)
	})
}

// Close completes a taken ticket, recording the closing comment, sub-tasks
// and documents.
func (s *Service) Close(ctx context.Context, number string, in CloseInput) (*models.Ticket, error) {
	t, err := s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if err := transition(t, models.StatusCompleted); err != nil {
			return err
		}
		now := s.clock.Now()
		t.CompletedAt = &now
		if c := strings.TrimSpace(in.Comment); c != "" {
			t.ClosingComment = &c
		}
		t.SubTasks = strings.Join(in.SubTasks, ",")
		for _, d := range in.Documents {
			t.Documents = append(t.Documents, models.TicketDocument{
				FileID: d.FileID,
				Name:   d.Name,
				URL:    d.URL,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket closed", zap.String("ticket", number), zap.Int("documents", len(in.Documents)))
	return t, nil
}

// CloseExternal completes a ticket that the external ticket system reports
// as done. Unlike Close it accepts a ticket nobody has taken yet.
func (s *Service) CloseExternal(ctx context.Context, number, comment string) (*models.Ticket, error) {
	t, err := s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if t.Status == models.StatusCompleted {
			return &errs.TicketCompletedError{Ticket: t.Number}
		}
		t.Status = models.StatusCompleted
		now := s.clock.Now()
		t.CompletedAt = &now
		if c := strings.TrimSpace(comment); c != "" {
			t.ClosingComment = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket closed externally", zap.String("ticket", number), zap.Bool("taken", t.HasPerformer()))
	return t, nil
}

// Rate records the applicant's 0..5 rating of a completed ticket.
func (s *Service) Rate(ctx context.Context, number string, rating int) (*models.Ticket, error) {
	if rating < 0 || rating > 5 {
		return nil, errs.Invalid("rating", "must be between 0 and 5")
	}
	return s.store.Update(ctx, normalize(number), func(t *models.Ticket) error {
		if t.Status != models.StatusCompleted {
			return &errs.InvalidTransitionError{Ticket: t.Number, From: string(t.Status), To: "RATED"}
		}
		t.Rating = &rating
		return nil
	})
}

// Get returns the ticket with number.
func (s *Service) Get(ctx context.Context, number string) (*models.Ticket, error) {
	return s.store.Get(ctx, normalize(number))
}

// FindByExternalRef returns the newest ticket raised for an external
// ticket-system number.
func (s *Service) FindByExternalRef(ctx context.Context, ref string) (*models.Ticket, error) {
	return s.store.FindByExternalRef(ctx, strings.TrimSpace(ref))
}

// List returns tickets matching f, oldest first.
func (s *Service) List(ctx context.Context, f Filter) ([]models.Ticket, error) {
	return s.store.List(ctx, f)
}

// normalize canonicalizes a user-typed ticket number ("sd-101 " -> "SD-101").
func normalize(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

package ticket

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
)

// Filter holds optional filters for listing tickets.
type Filter struct {
	Statuses    []models.TicketStatus
	Group       models.SupportGroup
	PerformerID *uint
	ApplicantID *uint
	OpenOnly    bool // exclude COMPLETED

	// IncludeCloseCommands lists close-command records too. They are
	// skipped by default since nobody works on them.
	IncludeCloseCommands bool
	Limit                int
}

// Store is the record store for tickets.
type Store interface {
	// Create inserts t and issues its number as <prefix>-<ID>.
	Create(ctx context.Context, t *models.Ticket, prefix string) error
	Get(ctx context.Context, number string) (*models.Ticket, error)
	FindByExternalRef(ctx context.Context, ref string) (*models.Ticket, error)
	List(ctx context.Context, f Filter) ([]models.Ticket, error)
	// Update loads the ticket, applies fn and saves the result in one
	// transaction. If fn returns an error nothing is written.
	Update(ctx context.Context, number string, fn func(t *models.Ticket) error) (*models.Ticket, error)
}

// GormStore is a Store backed by GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func preloaded(db *gorm.DB) *gorm.DB {
	return db.Preload("Applicant").Preload("Performer").Preload("AssignedBy").Preload("Documents")
}

func (s *GormStore) Create(ctx context.Context, t *models.Ticket, prefix string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The number depends on the id, so insert under a unique placeholder first.
		t.Number = "pending-" + uuid.NewString()
		if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
			return fmt.Errorf("ticket: create: %w", err)
		}
		t.Number = fmt.Sprintf("%s-%d", prefix, t.ID)
		if err := tx.Model(&models.Ticket{}).Where("id = ?", t.ID).Update("number", t.Number).Error; err != nil {
			return fmt.Errorf("ticket: issue number %s: %w", t.Number, err)
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, number string) (*models.Ticket, error) {
	return getTicket(preloaded(s.db.WithContext(ctx)), "number = ?", number, number)
}

func (s *GormStore) FindByExternalRef(ctx context.Context, ref string) (*models.Ticket, error) {
	if ref == "" {
		return nil, errs.NotFound("ticket", ref)
	}
	return getTicket(preloaded(s.db.WithContext(ctx)).Where("is_close_command = ?", false).Order("id DESC"),
		"external_ref = ?", ref, "ref "+ref)
}

func getTicket(q *gorm.DB, where string, arg interface{}, label string) (*models.Ticket, error) {
	var t models.Ticket
	if err := q.Where(where, arg).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("ticket", label)
		}
		return nil, fmt.Errorf("ticket: get %s: %w", label, err)
	}
	return &t, nil
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]models.Ticket, error) {
	q := preloaded(s.db.WithContext(ctx)).Model(&models.Ticket{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.OpenOnly {
		q = q.Where("status <> ?", models.StatusCompleted)
	}
	if !f.IncludeCloseCommands {
		q = q.Where("is_close_command = ?", false)
	}
	if f.Group != "" {
		q = q.Where("support_group = ?", f.Group)
	}
	if f.PerformerID != nil {
		q = q.Where("performer_id = ?", *f.PerformerID)
	}
	if f.ApplicantID != nil {
		q = q.Where("applicant_id = ?", *f.ApplicantID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var tickets []models.Ticket
	if err := q.Order("created_at ASC, id ASC").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("ticket: list: %w", err)
	}
	return tickets, nil
}

func (s *GormStore) Update(ctx context.Context, number string, fn func(t *models.Ticket) error) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := getTicket(preloaded(tx).Clauses(clause.Locking{Strength: "UPDATE"}), "number = ?", number, number)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(t).Error; err != nil {
			return fmt.Errorf("ticket: save %s: %w", number, err)
		}
		for i := range t.Documents {
			d := &t.Documents[i]
			if d.ID != 0 {
				continue
			}
			d.TicketID = t.ID
			if err := tx.Create(d).Error; err != nil {
				return fmt.Errorf("ticket: attach document to %s: %w", number, err)
			}
		}
		out, err = getTicket(preloaded(tx), "number = ?", number, number)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

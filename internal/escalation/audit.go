package escalation

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/models"
)

// Audit outcomes.
const (
	OutcomeNotified = "notified"
	OutcomeNoop     = "noop"
	OutcomeFailed   = "failed"
)

// AuditLog records what each fired escalation job did.
type AuditLog interface {
	Record(ctx context.Context, ev *models.EscalationEvent) error
}

// GormAudit stores escalation events in the escalation_events table.
type GormAudit struct {
	db *gorm.DB
}

// NewGormAudit creates a GormAudit.
func NewGormAudit(db *gorm.DB) *GormAudit {
	return &GormAudit{db: db}
}

// Record inserts ev.
func (a *GormAudit) Record(ctx context.Context, ev *models.EscalationEvent) error {
	if err := a.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("escalation: record %s/%s: %w", ev.Subject, ev.Tier, err)
	}
	return nil
}

// List returns the events for subject, oldest first. An empty subject lists
// all events.
func (a *GormAudit) List(ctx context.Context, subject string) ([]models.EscalationEvent, error) {
	q := a.db.WithContext(ctx)
	if subject != "" {
		q = q.Where("subject = ?", subject)
	}
	var out []models.EscalationEvent
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("escalation: list events: %w", err)
	}
	return out, nil
}

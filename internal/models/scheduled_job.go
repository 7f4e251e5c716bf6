package models

import "time"

// ScheduledJob is the durable record of a pending one-shot timer job.
// Rows are removed when the job fires or is cancelled.
type ScheduledJob struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Subject   string    `gorm:"size:64;not null;index"`
	Tier      string    `gorm:"size:32;not null"`
	FireAt    time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

// EscalationEvent is the audit trail of fired escalation jobs.
type EscalationEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Subject    string `gorm:"size:64;not null;index"`
	Tier       string `gorm:"size:32;not null"`
	Outcome    string `gorm:"size:16;not null;index"` // notified, noop, failed
	Recipients string `gorm:"size:1024"`
	Detail     string `gorm:"type:text"`
	CreatedAt  time.Time
}

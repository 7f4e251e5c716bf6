package models

import (
	"strings"
	"time"
)

// SupportGroup is the category of staff responsible for a ticket.
type SupportGroup string

const (
	GroupDispatcher SupportGroup = "DISPATCHER"
	GroupEngineer   SupportGroup = "ENGINEER"
)

// Valid reports whether g is a known support group.
func (g SupportGroup) Valid() bool {
	return g == GroupDispatcher || g == GroupEngineer
}

// TicketStatus is a ticket lifecycle state.
type TicketStatus string

const (
	StatusNew       TicketStatus = "NEW"
	StatusAssigned  TicketStatus = "ASSIGNED"
	StatusInWork    TicketStatus = "IN_WORK"
	StatusCompleted TicketStatus = "COMPLETED"
)

// Ticket is a unit of requested support work.
type Ticket struct {
	ID             uint         `gorm:"primaryKey;autoIncrement"`
	Number         string       `gorm:"size:64;uniqueIndex;not null"`
	Title          string       `gorm:"size:256;not null"`
	Description    string       `gorm:"type:text"`
	SupportGroup   SupportGroup `gorm:"size:16;not null;index"`
	Status         TicketStatus `gorm:"size:16;not null;index"`
	ApplicantID    uint         `gorm:"not null;index"`
	PerformerID    *uint        `gorm:"index"`
	AssignedByID   *uint
	ClosingComment *string `gorm:"type:text"`
	SubTasks       string  `gorm:"size:512"` // comma-separated ticket refs
	Rating         *int
	IsAutomatic    bool
	IsCloseCommand bool
	ExternalRef    string `gorm:"size:64;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time

	Applicant  User             `gorm:"foreignKey:ApplicantID"`
	Performer  *User            `gorm:"foreignKey:PerformerID"`
	AssignedBy *User            `gorm:"foreignKey:AssignedByID"`
	Documents  []TicketDocument `gorm:"foreignKey:TicketID"`
}

// TicketDocument is a reference to a file attached when a ticket is closed.
type TicketDocument struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TicketID  uint   `gorm:"not null;index"`
	FileID    string `gorm:"size:128"`
	Name      string `gorm:"size:256"`
	URL       string `gorm:"size:1024"`
	CreatedAt time.Time
}

// HasPerformer reports whether someone has taken the ticket.
func (t *Ticket) HasPerformer() bool {
	return t.PerformerID != nil
}

// PerformerName returns the performer's display name, or "" if none.
func (t *Ticket) PerformerName() string {
	if t.Performer == nil {
		return ""
	}
	return t.Performer.Name
}

// SubTaskList splits SubTasks into individual references.
func (t *Ticket) SubTaskList() []string {
	if t.SubTasks == "" {
		return nil
	}
	return strings.Split(t.SubTasks, ",")
}

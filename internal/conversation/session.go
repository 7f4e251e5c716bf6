// Package conversation runs the multi-step chat dialogs that collect ticket
// data before anything is committed.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

// Kind identifies a dialog.
type Kind string

const (
	KindNewTicket   Kind = "new_ticket"
	KindCloseTicket Kind = "close_ticket"
	KindAssign      Kind = "assign"
	KindBreak       Kind = "break"
)

// Session is the one in-progress dialog of a user.
type Session struct {
	ID        string
	UserID    string
	Dialog    Dialog
	StartedAt time.Time
	UpdatedAt time.Time
}

// Dialog is implemented by the per-kind dialog states.
type Dialog interface {
	Kind() Kind
	StepName() string
}

// NewTicketStep is a step of the new ticket dialog.
type NewTicketStep string

const (
	StepWaitingGroup       NewTicketStep = "waitingGroup"
	StepWaitingGsdNumber   NewTicketStep = "waitingGsdNumber"
	StepWaitingDescription NewTicketStep = "waitingDescription"
	StepWaitingApproval    NewTicketStep = "waitingApproval"
)

// NewTicketDialog collects a ticket to be created.
type NewTicketDialog struct {
	Step        NewTicketStep       `json:"step"`
	Group       models.SupportGroup `json:"group,omitempty"`
	GsdNumber   string              `json:"gsd_number,omitempty"`
	Description string              `json:"description,omitempty"`
}

func (NewTicketDialog) Kind() Kind         { return KindNewTicket }
func (d NewTicketDialog) StepName() string { return string(d.Step) }

// CloseStep is a step of the close ticket dialog.
type CloseStep string

const (
	StepWaitingComment   CloseStep = "waitingComment"
	StepWaitingSubTasks  CloseStep = "waitingSubTasks"
	StepWaitingDocuments CloseStep = "waitingDocuments"
)

// CloseTicketDialog collects the closing report of a ticket.
type CloseTicketDialog struct {
	Step      CloseStep              `json:"step"`
	Ticket    string                 `json:"ticket"`
	Comment   string                 `json:"comment,omitempty"`
	SubTasks  []string               `json:"sub_tasks,omitempty"`
	Documents []telegraph.Attachment `json:"documents,omitempty"`
}

func (CloseTicketDialog) Kind() Kind         { return KindCloseTicket }
func (d CloseTicketDialog) StepName() string { return string(d.Step) }

// AssignStep is a step of the assign engineer dialog.
type AssignStep string

const (
	StepWaitingEngineer AssignStep = "waitingEngineer"
	StepWaitingConfirm  AssignStep = "waitingConfirm"
)

// Candidate is an engineer offered for assignment.
type Candidate struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// AssignDialog picks the performer of a ticket.
type AssignDialog struct {
	Step       AssignStep  `json:"step"`
	Ticket     string      `json:"ticket"`
	Candidates []Candidate `json:"candidates"`
	Chosen     *Candidate  `json:"chosen,omitempty"`
}

func (AssignDialog) Kind() Kind         { return KindAssign }
func (d AssignDialog) StepName() string { return string(d.Step) }

// BreakStep is a step of the shift break dialog.
type BreakStep string

const StepWaitingBreakMinutes BreakStep = "waitingBreakMinutes"

// BreakDialog asks for the planned length of a break.
type BreakDialog struct {
	Step BreakStep `json:"step"`
}

func (BreakDialog) Kind() Kind         { return KindBreak }
func (d BreakDialog) StepName() string { return string(d.Step) }

func newSession(userID string, d Dialog, now time.Time) *Session {
	return &Session{ID: uuid.NewString(), UserID: userID, Dialog: d, StartedAt: now, UpdatedAt: now}
}

// with returns a copy of s holding d.
func (s *Session) with(d Dialog, now time.Time) *Session {
	cp := *s
	cp.Dialog = d
	cp.UpdatedAt = now
	return &cp
}

// Expired reports whether s has been idle longer than timeout at now.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.UpdatedAt) > timeout
}

type sessionJSON struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      Kind            `json:"kind"`
	Dialog    json.RawMessage `json:"dialog"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the dialog variant with its kind tag.
func (s Session) MarshalJSON() ([]byte, error) {
	if s.Dialog == nil {
		return nil, fmt.Errorf("conversation: session %s has no dialog", s.ID)
	}
	d, err := json.Marshal(s.Dialog)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionJSON{
		ID: s.ID, UserID: s.UserID, Kind: s.Dialog.Kind(), Dialog: d,
		StartedAt: s.StartedAt, UpdatedAt: s.UpdatedAt,
	})
}

// UnmarshalJSON decodes a session written by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var d Dialog
	switch raw.Kind {
	case KindNewTicket:
		var v NewTicketDialog
		if err := json.Unmarshal(raw.Dialog, &v); err != nil {
			return err
		}
		d = v
	case KindCloseTicket:
		var v CloseTicketDialog
		if err := json.Unmarshal(raw.Dialog, &v); err != nil {
			return err
		}
		d = v
	case KindAssign:
		var v AssignDialog
		if err := json.Unmarshal(raw.Dialog, &v); err != nil {
			return err
		}
		d = v
	case KindBreak:
		var v BreakDialog
		if err := json.Unmarshal(raw.Dialog, &v); err != nil {
			return err
		}
		d = v
	default:
		return fmt.Errorf("conversation: unknown dialog kind %q", raw.Kind)
	}
	*s = Session{ID: raw.ID, UserID: raw.UserID, Dialog: d, StartedAt: raw.StartedAt, UpdatedAt: raw.UpdatedAt}
	return nil
}

// Package errs defines the business error taxonomy shared by the desk
// engines and the helpers that turn those errors into chat replies.
package errs

import (
	"errors"
	"fmt"
)

// GenericUserMessage is shown for any error that is not a business outcome.
const GenericUserMessage = "Something went wrong, it has been reported."

// AlreadyAssignedError is returned when a ticket that already has a
// performer is claimed or assigned again.
type AlreadyAssignedError struct {
	Ticket    string
	Performer string
}

func (e *AlreadyAssignedError) Error() string {
	return fmt.Sprintf("ticket %s is already taken by %s", e.Ticket, e.Performer)
}

// NotFoundError reports a missing ticket, shift, user or job.
type NotFoundError struct {
	Kind string // "ticket", "shift", "user", "job"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a ticket status move that the lifecycle
// does not allow.
type InvalidTransitionError struct {
	Ticket string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket %s cannot move from %s to %s", e.Ticket, e.From, e.To)
}

// TicketCompletedError is returned when closing a ticket twice.
type TicketCompletedError struct {
	Ticket string
}

func (e *TicketCompletedError) Error() string {
	return fmt.Sprintf("ticket %s is already completed", e.Ticket)
}

// PermissionDeniedError is returned when a user may not perform an action.
type PermissionDeniedError struct {
	User   string
	Action string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s", e.User, e.Action)
}

// NoEligibleRecipientError is returned when an escalation tier is empty.
type NoEligibleRecipientError struct {
	Tier string
}

func (e *NoEligibleRecipientError) Error() string {
	return fmt.Sprintf("no eligible recipient in tier %s", e.Tier)
}

// Shift state conflicts.
var (
	ErrShiftAlreadyOpen   = errors.New("shift already open")
	ErrNoOpenShift        = errors.New("no open shift")
	ErrBreakAlreadyActive = errors.New("break already active")
	ErrNoActiveBreak      = errors.New("no active break")
)

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsBusiness reports whether err is an expected business outcome that the
// chat boundary should answer with a corrective message instead of the
// generic failure text.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}
	var (
		aa *AlreadyAssignedError
		nf *NotFoundError
		ve *ValidationError
		it *InvalidTransitionError
		tc *TicketCompletedError
		pd *PermissionDeniedError
		ne *NoEligibleRecipientError
	)
	switch {
	case errors.As(err, &aa), errors.As(err, &nf), errors.As(err, &ve),
		errors.As(err, &it), errors.As(err, &tc), errors.As(err, &pd),
		errors.As(err, &ne):
		return true
	case errors.Is(err, ErrShiftAlreadyOpen), errors.Is(err, ErrNoOpenShift),
		errors.Is(err, ErrBreakAlreadyActive), errors.Is(err, ErrNoActiveBreak):
		return true
	}
	return false
}

// UserMessage returns the chat text for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		aa *AlreadyAssignedError
		nf *NotFoundError
		ve *ValidationError
		it *InvalidTransitionError
		tc *TicketCompletedError
		pd *PermissionDeniedError
	)
	switch {
	case errors.As(err, &aa):
		return fmt.Sprintf("Ticket %s is already taken by %s.", aa.Ticket, aa.Performer)
	case errors.As(err, &nf):
		return fmt.Sprintf("Sorry, %s %s was not found.", nf.Kind, nf.ID)
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid %s: %s.", ve.Field, ve.Reason)
	case errors.As(err, &tc):
		return fmt.Sprintf("Ticket %s is already closed.", tc.Ticket)
	case errors.As(err, &it):
		return fmt.Sprintf("Ticket %s is %s, that is not possible now.", it.Ticket, it.From)
	case errors.As(err, &pd):
		return "You do not have permission for that."
	case errors.Is(err, ErrShiftAlreadyOpen):
		return "Your shift is already open."
	case errors.Is(err, ErrNoOpenShift):
		return "You have no open shift. Start one with /shift start."
	case errors.Is(err, ErrBreakAlreadyActive):
		return "You are already on a break. End it with /resume."
	case errors.Is(err, ErrNoActiveBreak):
		return "You are not on a break."
	}
	return GenericUserMessage
}

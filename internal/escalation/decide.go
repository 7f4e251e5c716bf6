// Package escalation raises unattended tickets up the staff hierarchy when
// their service-level timers lapse.
package escalation

import (
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/timer"
)

// Audience names the group of staff an escalation is addressed to.
type Audience string

const (
	AudienceNone          Audience = ""
	AudienceSeniorsOnDuty Audience = "seniors_on_duty"
	AudienceManagers      Audience = "managers"
	AudienceLeads         Audience = "leads"
	AudienceHeads         Audience = "heads"
)

// Fallback returns the next higher audience tried when a is empty.
func (a Audience) Fallback() Audience {
	switch a {
	case AudienceSeniorsOnDuty, AudienceManagers:
		return AudienceLeads
	case AudienceLeads:
		return AudienceHeads
	}
	return AudienceNone
}

// Decision is the outcome of evaluating a fired escalation job against the
// current ticket state.
type Decision struct {
	Escalate        bool
	Audience        Audience
	Urgent          bool
	NotifyApplicant bool
	Reason          string // why nothing is done, when Escalate is false
}

// Decide evaluates tier for t. It has no side effects.
func Decide(tier timer.Tier, t *models.Ticket) Decision {
	if t == nil {
		return Decision{Reason: "ticket not found"}
	}
	if t.Status == models.StatusCompleted {
		return Decision{Reason: "ticket completed"}
	}
	switch tier {
	case timer.TierActivationT1:
		if t.HasPerformer() {
			return Decision{Reason: "ticket taken"}
		}
		return Decision{Escalate: true, Audience: AudienceSeniorsOnDuty, NotifyApplicant: true}
	case timer.TierActivationT2:
		if t.HasPerformer() {
			return Decision{Reason: "ticket taken"}
		}
		return Decision{Escalate: true, Audience: AudienceLeads, NotifyApplicant: true}
	case timer.TierDeadline:
		if !t.HasPerformer() {
			return Decision{Escalate: true, Audience: AudienceHeads, Urgent: true}
		}
		return Decision{Escalate: true, Audience: AudienceManagers}
	}
	return Decision{Reason: "not a ticket tier"}
}

// Package timer schedules durable one-shot jobs (ticket escalation steps,
// shift overdue checks) on top of a Clock and a JobStore.
package timer

import (
	"errors"
	"fmt"
	"time"
)

// Tier identifies what a job does when it fires.
type Tier string

const (
	TierActivationT1 Tier = "ACTIVATION_T1"
	TierActivationT2 Tier = "ACTIVATION_T2"
	TierDeadline     Tier = "DEADLINE"
	TierShiftOverdue Tier = "SHIFT_OVERDUE"
)

// ErrJobExists is returned by Schedule when a job with the same id is
// already pending. The existing job is kept.
var ErrJobExists = errors.New("timer: job already scheduled")

var tierSuffix = map[Tier]string{
	TierActivationT1: "step1",
	TierActivationT2: "step2",
	TierDeadline:     "deadline",
	TierShiftOverdue: "overdue",
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierSuffix[t]
	return ok
}

// JobID returns the deterministic id of the job for subject at tier,
// e.g. job_SD-101_step1.
func JobID(subject string, tier Tier) string {
	return fmt.Sprintf("job_%s_%s", subject, tierSuffix[tier])
}

// Job is a pending one-shot timer.
type Job struct {
	ID      string
	Subject string
	Tier    Tier
	FireAt  time.Time
}

// NewJob builds the job for subject at tier.
func NewJob(subject string, tier Tier, fireAt time.Time) Job {
	return Job{ID: JobID(subject, tier), Subject: subject, Tier: tier, FireAt: fireAt}
}

// Package shift tracks employees' working shifts and breaks and flags
// shifts left open too long.
package shift

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/logging"
	"github.com/zulandar/servicedesk/internal/models"
	"github.com/zulandar/servicedesk/internal/notify"
	"github.com/zulandar/servicedesk/internal/timer"
)

// Break length bounds in minutes.
const (
	MinBreakMinutes = 5
	MaxBreakMinutes = 120
)

// Directory resolves the people told about shift events.
type Directory interface {
	Managers(ctx context.Context, id uint) ([]models.User, error)
	ByID(ctx context.Context, id uint) (*models.User, error)
}

// Timers is the subset of timer.Service the shift engine uses.
type Timers interface {
	Register(tier timer.Tier, h timer.Handler)
	Schedule(ctx context.Context, subject string, tier timer.Tier, fireAt time.Time) (timer.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Store     Store
	Timers    Timers
	Directory Directory
	Notifier  notify.Notifier
	Clock     clock.Clock
	Overdue   time.Duration // delay of the unclosed-shift check
	Logger    *zap.Logger
}

// Service implements the shift and break lifecycle.
type Service struct {
	store    Store
	timers   Timers
	dir      Directory
	notifier notify.Notifier
	clock    clock.Clock
	overdue  time.Duration
	log      *zap.Logger
}

// New creates a Service and registers its overdue handler.
func New(opts Opts) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("shift: store is required")
	case opts.Timers == nil:
		return nil, fmt.Errorf("shift: timers is required")
	case opts.Directory == nil:
		return nil, fmt.Errorf("shift: directory is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("shift: notifier is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("shift: clock is required")
	case opts.Overdue <= 0:
		return nil, fmt.Errorf("shift: overdue must be positive")
	}
	s := &Service{
		store:    opts.Store,
		timers:   opts.Timers,
		dir:      opts.Directory,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		overdue:  opts.Overdue,
		log:      logging.OrNop(opts.Logger).Named("shift"),
	}
	s.timers.Register(timer.TierShiftOverdue, s.Handle)
	return s, nil
}

// Subject returns the timer subject of shift id.
func Subject(id uint) string {
	return "shift-" + strconv.FormatUint(uint64(id), 10)
}

func parseSubject(subject string) (uint, error) {
	rest, ok := strings.CutPrefix(subject, "shift-")
	if !ok {
		return 0, fmt.Errorf("shift: subject %q", subject)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shift: subject %q: %w", subject, err)
	}
	return uint(id), nil
}

// StartShift opens a shift for employee and schedules its overdue check.
func (s *Service) StartShift(ctx context.Context, employee *models.User) (*models.Shift, error) {
	now := s.clock.Now()
	sh := &models.Shift{EmployeeID: employee.ID, StartedAt: now, IsWorking: true}
	if err := s.store.Open(ctx, sh); err != nil {
		return nil, err
	}
	if _, err := s.timers.Schedule(ctx, Subject(sh.ID), timer.TierShiftOverdue, now.Add(s.overdue)); err != nil &&
		!errors.Is(err, timer.ErrJobExists) {
		return nil, fmt.Errorf("shift: schedule overdue check: %w", err)
	}
	s.log.Info("shift started", zap.String("user", employee.ChatID), zap.Uint("shift", sh.ID))
	return sh, nil
}

// StartBreak starts a break of the given planned length in the employee's
// open shift.
func (s *Service) StartBreak(ctx context.Context, employee *models.User, minutes int) (*models.Shift, error) {
	if minutes < MinBreakMinutes || minutes > MaxBreakMinutes {
		return nil, errs.Invalid("break length", fmt.Sprintf("must be between %d and %d minutes", MinBreakMinutes, MaxBreakMinutes))
	}
	now := s.clock.Now()
	sh, err := s.store.UpdateCurrent(ctx, employee.ID, func(sh *models.Shift) error {
		if sh.ActiveBreak() != nil {
			return errs.ErrBreakAlreadyActive
		}
		sh.Breaks = append(sh.Breaks, models.ShiftBreak{StartedAt: now, PlannedMinutes: minutes})
		sh.IsWorking = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("break started", zap.String("user", employee.ChatID), zap.Int("minutes", minutes))
	return sh, nil
}

// EndBreak ends the employee's active break.
func (s *Service) EndBreak(ctx context.Context, employee *models.User) (*models.Shift, error) {
	now := s.clock.Now()
	sh, err := s.store.UpdateCurrent(ctx, employee.ID, func(sh *models.Shift) error {
		b := sh.ActiveBreak()
		if b == nil {
			return errs.ErrNoActiveBreak
		}
		b.EndedAt = &now
		sh.IsWorking = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("break ended", zap.String("user", employee.ChatID))
	return sh, nil
}

// EndShift closes the employee's open shift, ending an active break first,
// and tells the employee's managers. The overdue check is cancelled
// best-effort; if it fires anyway it finds the shift closed.
func (s *Service) EndShift(ctx context.Context, employee *models.User) (*models.Shift, error) {
	now := s.clock.Now()
	sh, err := s.store.UpdateCurrent(ctx, employee.ID, func(sh *models.Shift) error {
		if b := sh.ActiveBreak(); b != nil {
			b.EndedAt = &now
		}
		sh.EndedAt = &now
		sh.IsWorking = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.timers.Cancel(ctx, timer.JobID(Subject(sh.ID), timer.TierShiftOverdue)); err != nil {
		s.log.Warn("cancel overdue check", zap.Uint("shift", sh.ID), zap.Error(err))
	}

	managers, err := s.dir.Managers(ctx, employee.ID)
	if err != nil {
		s.log.Warn("load managers", zap.String("user", employee.ChatID), zap.Error(err))
	}
	if len(managers) > 0 {
		s.notifier.Notify(ctx, managers, fmt.Sprintf("%s ended the shift at %s after %s.",
			employee.Name, now.Format("15:04"), Worked(sh, now).Round(time.Minute)), nil)
	}
	s.log.Info("shift ended", zap.String("user", employee.ChatID), zap.Uint("shift", sh.ID))
	return sh, nil
}

// Current returns the employee's open shift.
func (s *Service) Current(ctx context.Context, employee *models.User) (*models.Shift, error) {
	return s.store.Current(ctx, employee.ID)
}

// Open lists all open shifts.
func (s *Service) Open(ctx context.Context) ([]models.Shift, error) {
	return s.store.ListOpen(ctx)
}

// Handle is the SHIFT_OVERDUE timer handler. It re-reads the shift and, if
// still open, reminds the employee and tells the managers.
func (s *Service) Handle(ctx context.Context, job timer.Job) {
	log := s.log.With(zap.String("job_id", job.ID))
	id, err := parseSubject(job.Subject)
	if err != nil {
		log.Error("malformed shift subject", zap.String("subject", job.Subject))
		return
	}
	sh, err := s.store.Get(ctx, id)
	if err != nil {
		log.Warn("load shift for overdue check", zap.Error(err))
		return
	}
	if !sh.IsOpen() {
		log.Debug("shift already closed")
		return
	}

	employee, err := s.dir.ByID(ctx, sh.EmployeeID)
	if err != nil {
		log.Error("load shift employee", zap.Error(err))
		return
	}
	started := sh.StartedAt.Format("15:04")
	s.notifier.Notify(ctx, []models.User{*employee},
		fmt.Sprintf("Your shift started at %s is still open. End it with /shift end.", started), nil)

	managers, err := s.dir.Managers(ctx, employee.ID)
	if err != nil {
		log.Warn("load managers", zap.Error(err))
		return
	}
	if len(managers) > 0 {
		s.notifier.Notify(ctx, managers, fmt.Sprintf("%s's shift started at %s has been open for more than %d hours.",
			employee.Name, started, int(s.overdue.Hours())), nil)
	}
	log.Info("overdue shift reported", zap.String("user", employee.ChatID))
}

// Worked returns the time worked in sh up to at, excluding breaks.
func Worked(sh *models.Shift, at time.Time) time.Duration {
	end := at
	if sh.EndedAt != nil {
		end = *sh.EndedAt
	}
	d := end.Sub(sh.StartedAt)
	for _, b := range sh.Breaks {
		bEnd := end
		if b.EndedAt != nil {
			bEnd = *b.EndedAt
		}
		d -= bEnd.Sub(b.StartedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

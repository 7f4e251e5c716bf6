package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/logging"
)

// Handler runs when a job fires. The job has already been removed from the
// store, so a handler never sees the same job twice.
type Handler func(ctx context.Context, job Job)

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	Clock  clock.Clock
	Store  JobStore
	Logger *zap.Logger
}

// Service keeps the registry of pending jobs. Schedule, Cancel and firing
// are serialized by one mutex, so a job either fires or is cancelled, never
// both.
type Service struct {
	clock  clock.Clock
	store  JobStore
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*entry
	handlers map[Tier]Handler
}

type entry struct {
	job   Job
	timer clock.Timer
}

// NewService creates a timer Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("timer: clock is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("timer: store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		clock:    opts.Clock,
		store:    opts.Store,
		log:      logging.OrNop(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*entry),
		handlers: make(map[Tier]Handler),
	}, nil
}

// Register sets the handler for tier, replacing any previous one.
func (s *Service) Register(tier Tier, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[tier] = h
}

// Schedule registers a job for subject at tier firing at fireAt. If a job
// with the same id is pending it is kept and ErrJobExists is returned.
func (s *Service) Schedule(ctx context.Context, subject string, tier Tier, fireAt time.Time) (Job, error) {
	if !tier.Valid() {
		return Job{}, fmt.Errorf("timer: schedule: unknown tier %q", tier)
	}
	job := NewJob(subject, tier, fireAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[job.ID]; ok {
		s.log.Info("duplicate job registration ignored",
			zap.String("job_id", job.ID),
			zap.Time("fire_at", existing.job.FireAt))
		return existing.job, ErrJobExists
	}
	if err := s.store.Save(ctx, job); err != nil {
		return Job{}, err
	}
	s.armLocked(job)
	s.log.Debug("job scheduled", zap.String("job_id", job.ID), zap.Time("fire_at", fireAt))
	return job, nil
}

// Reschedule replaces any pending job for subject at tier.
func (s *Service) Reschedule(ctx context.Context, subject string, tier Tier, fireAt time.Time) (Job, error) {
	if _, err := s.Cancel(ctx, JobID(subject, tier)); err != nil {
		return Job{}, err
	}
	return s.Schedule(ctx, subject, tier, fireAt)
}

// Cancel removes a pending job. It reports whether the job was pending.
// A job whose handler has already started is not affected.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if ok {
		e.timer.Stop()
		delete(s.pending, id)
	}
	existed, err := s.store.Delete(ctx, id)
	if err != nil {
		return ok, err
	}
	if ok || existed {
		s.log.Debug("job cancelled", zap.String("job_id", id))
	}
	return ok || existed, nil
}

// List returns the pending jobs ordered by fire time.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.job)
	}
	sortJobs(out)
	return out
}

// Get returns the pending job with id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Restore arms every job in the store. Jobs whose fire time has passed run
// immediately, oldest first, before Restore returns. It returns the number
// of jobs restored.
func (s *Service) Restore(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("timer: restore: %w", err)
	}
	now := s.clock.Now()

	var overdue []Job
	s.mu.Lock()
	for _, job := range jobs {
		if _, ok := s.pending[job.ID]; ok {
			continue
		}
		if !job.FireAt.After(now) {
			overdue = append(overdue, job)
			continue
		}
		s.armLocked(job)
	}
	s.mu.Unlock()

	sortJobs(overdue)
	for _, job := range overdue {
		s.log.Info("firing overdue job", zap.String("job_id", job.ID), zap.Time("fire_at", job.FireAt))
		s.fire(job, nil)
	}
	return len(jobs), nil
}

// Stop disarms all timers without touching the store, so the jobs are
// restored on the next start.
func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Service) armLocked(job Job) {
	e := &entry{job: job}
	e.timer = s.clock.AfterFunc(job.FireAt.Sub(s.clock.Now()), func() {
		s.fire(job, e)
	})
	s.pending[job.ID] = e
}

// fire removes the job from the registry and store, then runs its handler.
// A nil e fires a job that was never armed (restored overdue job).
func (s *Service) fire(job Job, e *entry) {
	s.mu.Lock()
	if e != nil {
		if cur, ok := s.pending[job.ID]; !ok || cur != e {
			s.mu.Unlock()
			return
		}
		delete(s.pending, job.ID)
	}
	existed, err := s.store.Delete(s.ctx, job.ID)
	if err != nil {
		s.log.Error("delete fired job", zap.String("job_id", job.ID), zap.Error(err))
	}
	h := s.handlers[job.Tier]
	s.mu.Unlock()

	if e == nil && err == nil && !existed {
		return
	}
	if h == nil {
		s.log.Warn("no handler for fired job", zap.String("job_id", job.ID), zap.String("tier", string(job.Tier)))
		return
	}
	if errors.Is(s.ctx.Err(), context.Canceled) {
		return
	}
	h(s.ctx, job)
}

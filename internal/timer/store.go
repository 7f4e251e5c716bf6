package timer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/models"
)

// JobStore persists pending jobs so they survive a restart.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	// Delete removes the job and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Job, error)
}

// MemoryJobStore is a process-local JobStore.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryJobStore returns an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Save(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

// GormJobStore keeps jobs in the scheduled_jobs table.
type GormJobStore struct {
	db *gorm.DB
}

// NewGormJobStore returns a JobStore backed by db.
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

func (s *GormJobStore) Save(ctx context.Context, job Job) error {
	row := models.ScheduledJob{
		ID:      job.ID,
		Subject: job.Subject,
		Tier:    string(job.Tier),
		FireAt:  job.FireAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("timer: save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *GormJobStore) Delete(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ScheduledJob{})
	if result.Error != nil {
		return false, fmt.Errorf("timer: delete job %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormJobStore) List(ctx context.Context) ([]Job, error) {
	var rows []models.ScheduledJob
	if err := s.db.WithContext(ctx).Order("fire_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("timer: list jobs: %w", err)
	}
	out := make([]Job, len(rows))
	for i, r := range rows {
		out[i] = Job{ID: r.ID, Subject: r.Subject, Tier: Tier(r.Tier), FireAt: r.FireAt}
	}
	return out, nil
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].FireAt.Equal(jobs[j].FireAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].FireAt.Before(jobs[j].FireAt)
	})
}

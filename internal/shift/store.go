package shift

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
)

// Store persists shifts and their breaks.
type Store interface {
	// Open creates a shift for employee. It fails with errs.ErrShiftAlreadyOpen
	// if the employee already has an open shift.
	Open(ctx context.Context, s *models.Shift) error
	// Current returns the employee's open shift or errs.ErrNoOpenShift.
	Current(ctx context.Context, employeeID uint) (*models.Shift, error)
	Get(ctx context.Context, id uint) (*models.Shift, error)
	// UpdateCurrent applies fn to the employee's open shift inside one
	// transaction and saves it together with its breaks.
	UpdateCurrent(ctx context.Context, employeeID uint, fn func(s *models.Shift) error) (*models.Shift, error)
	ListOpen(ctx context.Context) ([]models.Shift, error)
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func withBreaks(db *gorm.DB) *gorm.DB {
	return db.Preload("Employee").Preload("Breaks", func(db *gorm.DB) *gorm.DB {
		return db.Order("started_at, id")
	})
}

func (s *GormStore) Open(ctx context.Context, sh *models.Shift) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.Shift{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("employee_id = ? AND ended_at IS NULL", sh.EmployeeID).
			Count(&n).Error
		if err != nil {
			return fmt.Errorf("shift: check open: %w", err)
		}
		if n > 0 {
			return errs.ErrShiftAlreadyOpen
		}
		if err := tx.Omit(clause.Associations).Create(sh).Error; err != nil {
			return fmt.Errorf("shift: create: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Current(ctx context.Context, employeeID uint) (*models.Shift, error) {
	return current(withBreaks(s.db.WithContext(ctx)), employeeID)
}

func current(q *gorm.DB, employeeID uint) (*models.Shift, error) {
	var sh models.Shift
	err := q.Where("employee_id = ? AND ended_at IS NULL", employeeID).Order("id DESC").First(&sh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNoOpenShift
	}
	if err != nil {
		return nil, fmt.Errorf("shift: current of %d: %w", employeeID, err)
	}
	return &sh, nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (*models.Shift, error) {
	var sh models.Shift
	err := withBreaks(s.db.WithContext(ctx)).First(&sh, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("shift", strconv.FormatUint(uint64(id), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("shift: get %d: %w", id, err)
	}
	return &sh, nil
}

func (s *GormStore) UpdateCurrent(ctx context.Context, employeeID uint, fn func(sh *models.Shift) error) (*models.Shift, error) {
	var out *models.Shift
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sh, err := current(withBreaks(tx).Clauses(clause.Locking{Strength: "UPDATE"}), employeeID)
		if err != nil {
			return err
		}
		if err := fn(sh); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(sh).Error; err != nil {
			return fmt.Errorf("shift: save %d: %w", sh.ID, err)
		}
		for i := range sh.Breaks {
			b := &sh.Breaks[i]
			b.ShiftID = sh.ID
			if err := tx.Save(b).Error; err != nil {
				return fmt.Errorf("shift: save break of %d: %w", sh.ID, err)
			}
		}
		out = sh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) ListOpen(ctx context.Context) ([]models.Shift, error) {
	var out []models.Shift
	if err := withBreaks(s.db.WithContext(ctx)).Where("ended_at IS NULL").Order("started_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("shift: list open: %w", err)
	}
	return out, nil
}

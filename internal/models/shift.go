package models

import "time"

// Shift is a bounded working interval for an employee.
type Shift struct {
	ID         uint       `gorm:"primaryKey;autoIncrement"`
	EmployeeID uint       `gorm:"not null;index"`
	StartedAt  time.Time  `gorm:"not null"`
	EndedAt    *time.Time `gorm:"index"`
	IsWorking  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Employee User         `gorm:"foreignKey:EmployeeID"`
	Breaks   []ShiftBreak `gorm:"foreignKey:ShiftID"`
}

// ShiftBreak is one break interval inside a shift.
type ShiftBreak struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	ShiftID        uint       `gorm:"not null;index"`
	StartedAt      time.Time  `gorm:"not null"`
	EndedAt        *time.Time
	PlannedMinutes int
}

// IsOpen reports whether the shift has not been ended.
func (s *Shift) IsOpen() bool {
	return s.EndedAt == nil
}

// ActiveBreak returns the break in progress, or nil.
func (s *Shift) ActiveBreak() *ShiftBreak {
	for i := range s.Breaks {
		if s.Breaks[i].EndedAt == nil {
			return &s.Breaks[i]
		}
	}
	return nil
}

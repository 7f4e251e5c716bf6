// Package staff looks up applicants and support staff, their on-duty state
// and their managers.
package staff

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/zulandar/servicedesk/internal/errs"
	"github.com/zulandar/servicedesk/internal/models"
)

// Directory is the GORM-backed user store.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by db.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ByChatID returns the user with the given platform user id.
func (d *Directory) ByChatID(ctx context.Context, chatID string) (*models.User, error) {
	var u models.User
	if err := d.db.WithContext(ctx).Preload("Managers").Where("chat_id = ?", chatID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("user", chatID)
		}
		return nil, fmt.Errorf("staff: get %s: %w", chatID, err)
	}
	return &u, nil
}

// ByID returns the user with the given id.
func (d *Directory) ByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := d.db.WithContext(ctx).Preload("Managers").First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("user", strconv.FormatUint(uint64(id), 10))
		}
		return nil, fmt.Errorf("staff: get user %d: %w", id, err)
	}
	return &u, nil
}

// EnsureUser returns the user for chatID, registering an applicant on
// first contact. The display name is refreshed when it changes.
func (d *Directory) EnsureUser(ctx context.Context, chatID, name string) (*models.User, error) {
	u, err := d.ByChatID(ctx, chatID)
	if err == nil {
		if name != "" && u.Name != name {
			if err := d.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID).Update("name", name).Error; err != nil {
				return nil, fmt.Errorf("staff: rename %s: %w", chatID, err)
			}
			u.Name = name
		}
		return u, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	u = &models.User{ChatID: chatID, Name: name, Role: models.RoleApplicant, Active: true}
	if err := d.db.WithContext(ctx).Omit("Managers").Create(u).Error; err != nil {
		return nil, fmt.Errorf("staff: register %s: %w", chatID, err)
	}
	return u, nil
}

// ByRole returns active users with role. A non-empty group restricts the
// result to that support group.
func (d *Directory) ByRole(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error) {
	q := d.db.WithContext(ctx).Where("role = ? AND active = ?", role, true)
	if group != "" {
		q = q.Where("support_group = ?", group)
	}
	var users []models.User
	if err := q.Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("staff: list %s: %w", role, err)
	}
	return users, nil
}

// OnDuty returns active users with role who currently have an open shift.
// A non-empty group restricts the result to that support group.
func (d *Directory) OnDuty(ctx context.Context, role models.Role, group models.SupportGroup) ([]models.User, error) {
	open := d.db.Model(&models.Shift{}).Select("employee_id").Where("ended_at IS NULL")
	q := d.db.WithContext(ctx).Where("role = ? AND active = ?", role, true).Where("id IN (?)", open)
	if group != "" {
		q = q.Where("support_group = ?", group)
	}
	var users []models.User
	if err := q.Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("staff: list on-duty %s: %w", role, err)
	}
	return users, nil
}

// Managers returns the direct managers of the user with id.
func (d *Directory) Managers(ctx context.Context, id uint) ([]models.User, error) {
	var users []models.User
	err := d.db.WithContext(ctx).
		Joins("JOIN user_managers ON user_managers.manager_id = users.id").
		Where("user_managers.user_id = ? AND users.active = ?", id, true).
		Order("users.id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("staff: managers of %d: %w", id, err)
	}
	return users, nil
}

// Performers returns staff who can take tickets of group: its engineers,
// dispatchers and seniors.
func (d *Directory) Performers(ctx context.Context, group models.SupportGroup) ([]models.User, error) {
	var users []models.User
	err := d.db.WithContext(ctx).
		Where("role IN ? AND active = ? AND support_group = ?",
			[]models.Role{models.RoleEngineer, models.RoleDispatcher, models.RoleSenior}, true, group).
		Order("name, id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("staff: performers of %s: %w", group, err)
	}
	return users, nil
}

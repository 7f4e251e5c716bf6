package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/servicedesk/internal/config"
	"github.com/zulandar/servicedesk/internal/models"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Ticket{},
		&models.TicketDocument{},
		&models.Shift{},
		&models.ShiftBreak{},
		&models.ScheduledJob{},
		&models.EscalationEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedStaff upserts staff rows from configuration, keyed by chat id, then
// replaces each member's manager links. Managers must appear in the same list.
func SeedStaff(db *gorm.DB, staff []config.StaffConfig) error {
	byChat := make(map[string]*models.User, len(staff))
	for _, sc := range staff {
		u := models.User{
			ChatID: sc.ChatID,
			Name:   sc.Name,
			Role:   models.Role(sc.Role),
			Active: true,
		}
		if sc.Group != "" {
			g := models.SupportGroup(sc.Group)
			u.Group = &g
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "role", "support_group", "active"}),
		}).Omit(clause.Associations).Create(&u)
		if result.Error != nil {
			return fmt.Errorf("db: seed staff %q: %w", sc.ChatID, result.Error)
		}

		var stored models.User
		if err := db.Where("chat_id = ?", sc.ChatID).First(&stored).Error; err != nil {
			return fmt.Errorf("db: seed staff %q: reload: %w", sc.ChatID, err)
		}
		byChat[sc.ChatID] = &stored
	}

	for _, sc := range staff {
		managers := make([]*models.User, 0, len(sc.Managers))
		for _, m := range sc.Managers {
			mu, ok := byChat[m]
			if !ok {
				return fmt.Errorf("db: seed staff %q: unknown manager %q", sc.ChatID, m)
			}
			managers = append(managers, mu)
		}
		u := byChat[sc.ChatID]
		if err := db.Model(u).Association("Managers").Replace(managers); err != nil {
			return fmt.Errorf("db: seed managers for %q: %w", sc.ChatID, err)
		}
	}
	return nil
}

package models

import "time"

// Role is a staff member's position in the escalation hierarchy.
type Role string

const (
	RoleApplicant  Role = "applicant"
	RoleDispatcher Role = "dispatcher"
	RoleEngineer   Role = "engineer"
	RoleSenior     Role = "senior"
	RoleLead       Role = "lead"
	RoleHead       Role = "head"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleApplicant, RoleDispatcher, RoleEngineer, RoleSenior, RoleLead, RoleHead:
		return true
	}
	return false
}

// User is anyone who talks to the bot: applicants and support staff.
type User struct {
	ID        uint          `gorm:"primaryKey;autoIncrement"`
	ChatID    string        `gorm:"size:128;uniqueIndex;not null"` // platform user id
	Name      string        `gorm:"size:128"`
	Role      Role          `gorm:"size:16;not null;index"`
	Group     *SupportGroup `gorm:"column:support_group;size:16;index"`
	Active    bool          `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Managers []*User `gorm:"many2many:user_managers;joinForeignKey:UserID;joinReferences:ManagerID"`
}

// InGroup reports whether the user belongs to group g.
func (u *User) InGroup(g SupportGroup) bool {
	return u.Group != nil && *u.Group == g
}

// IsStaff reports whether the user is support staff rather than an applicant.
func (u *User) IsStaff() bool {
	return u.Role != RoleApplicant && u.Role != ""
}

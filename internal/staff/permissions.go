package staff

import "github.com/zulandar/servicedesk/internal/models"

// Action is something a user asks the bot to do.
type Action string

const (
	ActionCreateTicket Action = "create_ticket"
	ActionClaim        Action = "claim"
	ActionAssign       Action = "assign"
	ActionClose        Action = "close"
	ActionRate         Action = "rate"
	ActionShift        Action = "shift"
	ActionViewAll      Action = "view_all"
)

// Permissions decides whether a user may perform an action.
type Permissions interface {
	Allowed(user *models.User, action Action) bool
}

// RolePermissions grants actions by role.
type RolePermissions struct {
	grants map[Action]map[models.Role]bool
}

func roles(rs ...models.Role) map[models.Role]bool {
	m := make(map[models.Role]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

// NewRolePermissions returns the default role grants.
func NewRolePermissions() *RolePermissions {
	everyone := roles(models.RoleApplicant, models.RoleDispatcher, models.RoleEngineer,
		models.RoleSenior, models.RoleLead, models.RoleHead)
	staff := roles(models.RoleDispatcher, models.RoleEngineer, models.RoleSenior,
		models.RoleLead, models.RoleHead)
	return &RolePermissions{grants: map[Action]map[models.Role]bool{
		ActionCreateTicket: everyone,
		ActionRate:         everyone,
		ActionClaim:        staff,
		ActionClose:        staff,
		ActionShift:        staff,
		ActionAssign:       roles(models.RoleDispatcher, models.RoleSenior, models.RoleLead, models.RoleHead),
		ActionViewAll:      roles(models.RoleSenior, models.RoleLead, models.RoleHead),
	}}
}

// Allowed reports whether user may perform action. Inactive users may do
// nothing.
func (p *RolePermissions) Allowed(user *models.User, action Action) bool {
	if user == nil || !user.Active {
		return false
	}
	return p.grants[action][user.Role]
}

package rbac

type Role string
type Action string

const (
	RoleProjectManager    Role = "project_manager"
	RoleMonitoringOfficer Role = "monitoring_officer"
	RoleFieldOfficer      Role = "field_officer"
)

const (
	// ActionRead covers every read of the project hierarchy; what a role
	// actually sees is decided later by the view filter.
	ActionRead Action = "read"
	// ActionManageStructure covers projects, objectives, activities, KPI
	// definitions and budgets.
	ActionManageStructure Action = "manage_structure"
	// ActionEditTasks covers task create/update/delete and expenses.
	ActionEditTasks Action = "edit_tasks"
	// ActionSubmitFieldData covers task status toggles, KPI data entries
	// and deliverable submissions.
	ActionSubmitFieldData Action = "submit_field_data"
	ActionManageInventory Action = "manage_inventory"
	ActionManageUsers     Action = "manage_users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleProjectManager:
		return true
	case RoleMonitoringOfficer:
		return action == ActionRead || action == ActionEditTasks || action == ActionSubmitFieldData || action == ActionManageInventory
	case RoleFieldOfficer:
		return action == ActionRead || action == ActionSubmitFieldData
	default:
		return false
	}
}

// Valid reports whether the role is one of the three known roles.
func Valid(role Role) bool {
	switch role {
	case RoleProjectManager, RoleMonitoringOfficer, RoleFieldOfficer:
		return true
	default:
		return false
	}
}

// Normalize maps unknown role strings to the least-privileged role.
func Normalize(role string) Role {
	if Valid(Role(role)) {
		return Role(role)
	}
	return RoleFieldOfficer
}

package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "manager manages structure", role: RoleProjectManager, action: ActionManageStructure, allow: true},
		{name: "manager manages users", role: RoleProjectManager, action: ActionManageUsers, allow: true},
		{name: "monitoring reads", role: RoleMonitoringOfficer, action: ActionRead, allow: true},
		{name: "monitoring edits tasks", role: RoleMonitoringOfficer, action: ActionEditTasks, allow: true},
		{name: "monitoring manages inventory", role: RoleMonitoringOfficer, action: ActionManageInventory, allow: true},
		{name: "monitoring manages structure", role: RoleMonitoringOfficer, action: ActionManageStructure, allow: false},
		{name: "field reads", role: RoleFieldOfficer, action: ActionRead, allow: true},
		{name: "field submits data", role: RoleFieldOfficer, action: ActionSubmitFieldData, allow: true},
		{name: "field edits tasks", role: RoleFieldOfficer, action: ActionEditTasks, allow: false},
		{name: "field manages structure", role: RoleFieldOfficer, action: ActionManageStructure, allow: false},
		{name: "unknown role", role: Role("intern"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeDefaultsToFieldOfficer(t *testing.T) {
	if got := Normalize("superuser"); got != RoleFieldOfficer {
		t.Fatalf("Normalize(superuser) = %q, want field_officer", got)
	}
	if got := Normalize("monitoring_officer"); got != RoleMonitoringOfficer {
		t.Fatalf("Normalize(monitoring_officer) = %q", got)
	}
}

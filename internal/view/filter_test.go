package view

import (
	"reflect"
	"testing"

	"orchid/api/internal/store"
)

func strptr(s string) *string { return &s }

// buildGraph returns a project with two objectives. The first holds an
// activity with one task assigned to "usr_field" and one assigned to
// someone else; the second holds only foreign tasks.
func buildGraph() store.ProjectGraph {
	return store.ProjectGraph{
		Project: store.Project{ID: "prj_1", Name: "Rural Health Program"},
		Objectives: []store.ObjectiveNode{
			{
				Objective: store.Objective{ID: "obj_1", ProjectID: "prj_1", Name: "Vaccination coverage"},
				Activities: []store.ActivityNode{
					{
						Activity: store.Activity{ID: "act_1", ObjectiveID: "obj_1", Name: "Mobile clinics"},
						Tasks: []store.TaskNode{
							{Task: store.Task{ID: "tsk_mine", ActivityID: "act_1", Description: "Visit village A", AssigneeID: strptr("usr_field")}},
							{Task: store.Task{ID: "tsk_other", ActivityID: "act_1", Description: "Visit village B", AssigneeID: strptr("usr_other")}},
						},
					},
					{
						Activity: store.Activity{ID: "act_2", ObjectiveID: "obj_1", Name: "Cold chain"},
						Tasks: []store.TaskNode{
							{Task: store.Task{ID: "tsk_unassigned", ActivityID: "act_2", Description: "Order freezers"}},
						},
					},
				},
			},
			{
				Objective: store.Objective{ID: "obj_2", ProjectID: "prj_1", Name: "Staff training"},
				Activities: []store.ActivityNode{
					{
						Activity: store.Activity{ID: "act_3", ObjectiveID: "obj_2", Name: "Workshops"},
						Tasks: []store.TaskNode{
							{Task: store.Task{ID: "tsk_foreign", ActivityID: "act_3", Description: "Book venue", AssigneeID: strptr("usr_other")}},
						},
					},
				},
			},
		},
	}
}

func TestFieldOfficerSeesOnlyOwnTasks(t *testing.T) {
	got := FilterForRole(buildGraph(), "field_officer", "usr_field")

	if len(got.Objectives) != 1 {
		t.Fatalf("objectives = %d, want 1", len(got.Objectives))
	}
	objective := got.Objectives[0]
	if objective.ID != "obj_1" {
		t.Fatalf("kept objective %q, want obj_1", objective.ID)
	}
	if len(objective.Activities) != 1 {
		t.Fatalf("activities = %d, want 1", len(objective.Activities))
	}
	activity := objective.Activities[0]
	if activity.ID != "act_1" {
		t.Fatalf("kept activity %q, want act_1", activity.ID)
	}
	if len(activity.Tasks) != 1 || activity.Tasks[0].ID != "tsk_mine" {
		t.Fatalf("kept tasks %+v, want only tsk_mine", activity.Tasks)
	}
}

func TestProjectShellSurvivesWhenNothingIsVisible(t *testing.T) {
	got := FilterForRole(buildGraph(), "field_officer", "usr_nobody")

	if got.ID != "prj_1" || got.Name != "Rural Health Program" {
		t.Fatalf("project shell lost: %+v", got.Project)
	}
	if len(got.Objectives) != 0 {
		t.Fatalf("objectives = %d, want 0", len(got.Objectives))
	}
}

func TestManagerAndMonitoringOfficerSeeEverything(t *testing.T) {
	graph := buildGraph()
	for _, role := range []string{"project_manager", "monitoring_officer"} {
		got := FilterForRole(graph, role, "usr_field")
		if !reflect.DeepEqual(got, graph) {
			t.Errorf("role %s: graph was filtered", role)
		}
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	once := FilterForRole(buildGraph(), "field_officer", "usr_field")
	twice := FilterForRole(once, "field_officer", "usr_field")
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second application changed the graph")
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	graph := buildGraph()
	want := buildGraph()

	FilterForRole(graph, "field_officer", "usr_field")

	if !reflect.DeepEqual(graph, want) {
		t.Fatalf("input graph was mutated")
	}
}

func TestUnknownRoleIsTreatedAsFieldOfficer(t *testing.T) {
	got := FilterForRole(buildGraph(), "auditor", "usr_field")
	if len(got.Objectives) != 1 {
		t.Fatalf("unknown role saw %d objectives, want field officer view", len(got.Objectives))
	}
}

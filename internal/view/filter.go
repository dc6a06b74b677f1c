// Package view narrows a loaded project graph to what a given role is
// allowed to see. The filter is pure: it never mutates its input and
// callers can apply it to a cached graph safely.
package view

import (
	"orchid/api/internal/rbac"
	"orchid/api/internal/store"
)

// FilterForRole returns the slice of the graph visible to the user.
// Project managers and monitoring officers see the full hierarchy.
// Field officers see only the tasks assigned to them; activities and
// objectives left with no visible tasks are pruned bottom-up, while
// the project shell itself always survives so the client can render
// an empty board.
func FilterForRole(graph store.ProjectGraph, role, userID string) store.ProjectGraph {
	if rbac.Normalize(role) != rbac.RoleFieldOfficer {
		return graph
	}

	out := store.ProjectGraph{Project: graph.Project, Objectives: []store.ObjectiveNode{}}
	for _, objective := range graph.Objectives {
		kept := filterObjective(objective, userID)
		if len(kept.Activities) > 0 {
			out.Objectives = append(out.Objectives, kept)
		}
	}
	return out
}

func filterObjective(objective store.ObjectiveNode, userID string) store.ObjectiveNode {
	out := store.ObjectiveNode{Objective: objective.Objective}
	for _, activity := range objective.Activities {
		kept := filterActivity(activity, userID)
		if len(kept.Tasks) > 0 {
			out.Activities = append(out.Activities, kept)
		}
	}
	return out
}

func filterActivity(activity store.ActivityNode, userID string) store.ActivityNode {
	out := store.ActivityNode{Activity: activity.Activity, KPIs: activity.KPIs, Budget: activity.Budget}
	for _, task := range activity.Tasks {
		if task.AssigneeID != nil && *task.AssigneeID == userID {
			out.Tasks = append(out.Tasks, task)
		}
	}
	return out
}

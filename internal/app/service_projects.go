package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"orchid/api/internal/rbac"
	"orchid/api/internal/search"
	"orchid/api/internal/store"
	"orchid/api/internal/util"
	"orchid/api/internal/view"
)

// Every mutation below follows the same sequence: authorize, commit to
// the store, resolve the owning project, then broadcast one
// notification to that project's observers. A mutation that fails to
// commit never broadcasts, and a notification that cannot name its
// project is dropped rather than sent to the wrong audience.

func roleLabel(role string) string {
	switch rbac.Normalize(role) {
	case rbac.RoleProjectManager:
		return "Project Manager"
	case rbac.RoleMonitoringOfficer:
		return "Monitoring Officer"
	default:
		return "Field Officer"
	}
}

func (s *Service) notify(projectID string, session Session, format string, args ...any) {
	if projectID == "" {
		return
	}
	detail := fmt.Sprintf(format, args...)
	s.registry.Broadcast(projectID, fmt.Sprintf("%s (%s) %s", session.UserName, roleLabel(session.Role), detail))
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func requireName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return name, nil
}

// CreateProject creates an empty project shell.
func (s *Service) CreateProject(ctx context.Context, session Session, name string) (store.Project, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Project{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Project{}, err
	}

	project := store.Project{ID: util.NewID("prj"), Name: name, CreatedAt: time.Now()}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: project.ID, Name: project.Name})
	}
	s.notify(project.ID, session, "created project %q", project.Name)
	return project, nil
}

// ListProjects returns all project shells without their hierarchies.
func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

// GetProjectGraph loads the full hierarchy and narrows it to what the
// session's role may see.
func (s *Service) GetProjectGraph(ctx context.Context, session Session, projectID string) (store.ProjectGraph, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return store.ProjectGraph{}, err
	}
	graph, err := s.store.LoadProject(ctx, projectID)
	if err != nil {
		return store.ProjectGraph{}, err
	}
	return view.FilterForRole(graph, session.Role, session.UserID), nil
}

// GetProjectSummary returns task counts for a project dashboard card.
func (s *Service) GetProjectSummary(ctx context.Context, session Session, projectID string) (store.ProjectSummary, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return store.ProjectSummary{}, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.ProjectSummary{}, err
	}
	return s.store.ProjectSummary(ctx, projectID)
}

// DeleteProject removes a project and everything beneath it.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteProject(projectID)
	}
	s.notify(projectID, session, "deleted project %q", project.Name)
	return nil
}

// CreateObjective adds an objective under a project.
func (s *Service) CreateObjective(ctx context.Context, session Session, projectID, name string) (store.Objective, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Objective{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Objective{}, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Objective{}, err
	}

	objective := store.Objective{ID: util.NewID("obj"), ProjectID: projectID, Name: name}
	if err := s.store.InsertObjective(ctx, objective); err != nil {
		return store.Objective{}, err
	}
	s.notify(projectID, session, "added objective %q", objective.Name)
	return objective, nil
}

// RenameObjective changes an objective's name.
func (s *Service) RenameObjective(ctx context.Context, session Session, objectiveID, name string) (store.Objective, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Objective{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Objective{}, err
	}
	if err := s.store.RenameObjective(ctx, objectiveID, name); err != nil {
		return store.Objective{}, err
	}
	objective, err := s.store.GetObjective(ctx, objectiveID)
	if err != nil {
		return store.Objective{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForObjective, objectiveID, "renamed objective to %q", name)
	return objective, nil
}

// DeleteObjective removes an objective and its subtree.
func (s *Service) DeleteObjective(ctx context.Context, session Session, objectiveID string) error {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return err
	}
	objective, err := s.store.GetObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteObjective(ctx, objectiveID); err != nil {
		return err
	}
	s.notify(objective.ProjectID, session, "removed objective %q", objective.Name)
	return nil
}

// CreateActivity adds an activity under an objective.
func (s *Service) CreateActivity(ctx context.Context, session Session, objectiveID, name string) (store.Activity, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Activity{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Activity{}, err
	}
	objective, err := s.store.GetObjective(ctx, objectiveID)
	if err != nil {
		return store.Activity{}, err
	}

	activity := store.Activity{ID: util.NewID("act"), ObjectiveID: objectiveID, Name: name}
	if err := s.store.InsertActivity(ctx, activity); err != nil {
		return store.Activity{}, err
	}
	s.notify(objective.ProjectID, session, "added activity %q", activity.Name)
	return activity, nil
}

// RenameActivity changes an activity's name.
func (s *Service) RenameActivity(ctx context.Context, session Session, activityID, name string) (store.Activity, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Activity{}, err
	}
	name, err := requireName(name)
	if err != nil {
		return store.Activity{}, err
	}
	if err := s.store.RenameActivity(ctx, activityID, name); err != nil {
		return store.Activity{}, err
	}
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return store.Activity{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForActivity, activityID, "renamed activity to %q", name)
	return activity, nil
}

// DeleteActivity removes an activity and its subtree.
func (s *Service) DeleteActivity(ctx context.Context, session Session, activityID string) error {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return err
	}
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	projectID, err := s.store.ProjectIDForActivity(ctx, activityID)
	if err != nil {
		projectID = ""
	}
	if err := s.store.DeleteActivity(ctx, activityID); err != nil {
		return err
	}
	s.notify(projectID, session, "removed activity %q", activity.Name)
	return nil
}

// CreateTaskInput carries the optional scheduling fields of a new task.
type CreateTaskInput struct {
	Description string
	StartDate   *time.Time
	EndDate     *time.Time
	AssigneeID  string
}

// CreateTask adds a pending task under an activity.
func (s *Service) CreateTask(ctx context.Context, session Session, activityID string, input CreateTaskInput) (store.Task, error) {
	if err := s.authorize(session, rbac.ActionEditTasks); err != nil {
		return store.Task{}, err
	}
	description, err := requireName(input.Description)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return store.Task{}, err
	}

	task := store.Task{
		ID:          util.NewID("tsk"),
		ActivityID:  activityID,
		Description: description,
		Status:      store.TaskStatusPending,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
		CreatedAt:   time.Now(),
	}
	if input.AssigneeID != "" {
		assignee := input.AssigneeID
		task.AssigneeID = &assignee
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return store.Task{}, err
	}
	s.indexTask(ctx, task)
	s.broadcastFor(ctx, session, s.store.ProjectIDForTask, task.ID, "created task %q", task.Description)
	return task, nil
}

// UpdateTask applies a partial update. Fields left nil are untouched;
// an empty assignee id clears the assignment.
func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, patch store.TaskPatch) (store.Task, error) {
	if err := s.authorize(session, rbac.ActionEditTasks); err != nil {
		return store.Task{}, err
	}
	if patch.Description != nil {
		description, err := requireName(*patch.Description)
		if err != nil {
			return store.Task{}, err
		}
		patch.Description = &description
	}
	task, err := s.store.PatchTask(ctx, taskID, patch)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(ctx, task)
	s.broadcastFor(ctx, session, s.store.ProjectIDForTask, task.ID, "updated task %q", task.Description)
	return task, nil
}

// ToggleTask flips a task between pending and complete.
func (s *Service) ToggleTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	if err := s.authorize(session, rbac.ActionSubmitFieldData); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.ToggleTaskStatus(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(ctx, task)
	verb := "reopened"
	if task.Status == store.TaskStatusComplete {
		verb = "completed"
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForTask, task.ID, "%s task %q", verb, task.Description)
	return task, nil
}

// DeleteTask removes a task and its deliverables.
func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	if err := s.authorize(session, rbac.ActionEditTasks); err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	projectID, err := s.store.ProjectIDForTask(ctx, taskID)
	if err != nil {
		projectID = ""
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	s.notify(projectID, session, "deleted task %q", task.Description)
	return nil
}

// CreateKPIInput carries the definition of a new indicator.
type CreateKPIInput struct {
	Name        string
	Unit        string
	TargetValue float64
}

// CreateKPI defines an indicator under an activity with a current
// value of zero.
func (s *Service) CreateKPI(ctx context.Context, session Session, activityID string, input CreateKPIInput) (store.KPI, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.KPI{}, err
	}
	name, err := requireName(input.Name)
	if err != nil {
		return store.KPI{}, err
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return store.KPI{}, err
	}

	kpi := store.KPI{
		ID:          util.NewID("kpi"),
		ActivityID:  activityID,
		Name:        name,
		Unit:        strings.TrimSpace(input.Unit),
		TargetValue: input.TargetValue,
	}
	if err := s.store.InsertKPI(ctx, kpi); err != nil {
		return store.KPI{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForKPI, kpi.ID, "defined indicator %q", kpi.Name)
	return kpi, nil
}

// UpdateKPI applies a partial update to an indicator's definition.
func (s *Service) UpdateKPI(ctx context.Context, session Session, kpiID string, patch store.KPIPatch) (store.KPI, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.KPI{}, err
	}
	if patch.Name != nil {
		name, err := requireName(*patch.Name)
		if err != nil {
			return store.KPI{}, err
		}
		patch.Name = &name
	}
	kpi, err := s.store.PatchKPI(ctx, kpiID, patch)
	if err != nil {
		return store.KPI{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForKPI, kpi.ID, "updated indicator %q", kpi.Name)
	return kpi, nil
}

// DeleteKPI removes an indicator and its history.
func (s *Service) DeleteKPI(ctx context.Context, session Session, kpiID string) error {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return err
	}
	kpi, err := s.store.GetKPI(ctx, kpiID)
	if err != nil {
		return err
	}
	projectID, err := s.store.ProjectIDForKPI(ctx, kpiID)
	if err != nil {
		projectID = ""
	}
	if err := s.store.DeleteKPI(ctx, kpiID); err != nil {
		return err
	}
	s.notify(projectID, session, "removed indicator %q", kpi.Name)
	return nil
}

// RecordKPIEntry appends a delta to an indicator's history and rolls it
// into the current value.
func (s *Service) RecordKPIEntry(ctx context.Context, session Session, kpiID string, value float64) (store.KPI, store.KPIEntry, error) {
	if err := s.authorize(session, rbac.ActionSubmitFieldData); err != nil {
		return store.KPI{}, store.KPIEntry{}, err
	}
	kpi, entry, err := s.store.AppendKPIEntry(ctx, kpiID, value)
	if err != nil {
		return store.KPI{}, store.KPIEntry{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForKPI, kpi.ID,
		"recorded %s for %q, now %s of %s %s",
		trimFloat(value), kpi.Name, trimFloat(kpi.CurrentValue), trimFloat(kpi.TargetValue), kpi.Unit)
	return kpi, entry, nil
}

// CreateBudget attaches the single budget an activity may carry.
func (s *Service) CreateBudget(ctx context.Context, session Session, activityID string, totalAmount float64) (store.Budget, error) {
	if err := s.authorize(session, rbac.ActionManageStructure); err != nil {
		return store.Budget{}, err
	}
	if totalAmount < 0 {
		return store.Budget{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "total amount must not be negative", nil)
	}
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return store.Budget{}, err
	}

	budget := store.Budget{ID: util.NewID("bdg"), ActivityID: activityID, TotalAmount: totalAmount}
	if err := s.store.InsertBudget(ctx, budget); err != nil {
		if errors.Is(err, store.ErrBudgetExists) {
			return store.Budget{}, domainError(http.StatusConflict, "BUDGET_EXISTS", "Activity already has a budget", nil)
		}
		return store.Budget{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForActivity, activityID, "set a budget of %s for %q", trimFloat(totalAmount), activity.Name)
	return budget, nil
}

// RecordExpense logs spending against a budget.
func (s *Service) RecordExpense(ctx context.Context, session Session, budgetID string, amount float64, description string) (store.Expense, error) {
	if err := s.authorize(session, rbac.ActionEditTasks); err != nil {
		return store.Expense{}, err
	}
	if amount <= 0 {
		return store.Expense{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "amount must be positive", nil)
	}
	if _, err := s.store.GetBudget(ctx, budgetID); err != nil {
		return store.Expense{}, err
	}

	expense := store.Expense{
		ID:          util.NewID("exp"),
		BudgetID:    budgetID,
		Amount:      amount,
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertExpense(ctx, expense); err != nil {
		return store.Expense{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForBudget, budgetID, "recorded an expense of %s", trimFloat(amount))
	return expense, nil
}

// SubmitDeliverableInput carries a field submission: free text, a file,
// or both.
type SubmitDeliverableInput struct {
	TextContent string
	Filename    string
	ContentType string
	FileData    []byte
}

// SubmitDeliverable records evidence against a task. File content goes
// to object storage first so a failed upload never leaves a dangling
// reference in the database.
func (s *Service) SubmitDeliverable(ctx context.Context, session Session, taskID string, input SubmitDeliverableInput) (store.Deliverable, error) {
	if err := s.authorize(session, rbac.ActionSubmitFieldData); err != nil {
		return store.Deliverable{}, err
	}
	text := strings.TrimSpace(input.TextContent)
	if text == "" && len(input.FileData) == 0 {
		return store.Deliverable{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a deliverable needs text content or a file", nil)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Deliverable{}, err
	}

	deliverable := store.Deliverable{
		ID:          util.NewID("dlv"),
		TaskID:      taskID,
		SubmittedBy: session.UserID,
		CreatedAt:   time.Now(),
	}
	if text != "" {
		deliverable.TextContent = &text
	}
	if len(input.FileData) > 0 {
		if s.blobs == nil {
			return store.Deliverable{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
		}
		key, err := s.blobs.Put(ctx, input.Filename, input.ContentType, input.FileData)
		if err != nil {
			return store.Deliverable{}, err
		}
		deliverable.FileRef = &key
	}

	if err := s.store.InsertDeliverable(ctx, deliverable); err != nil {
		return store.Deliverable{}, err
	}
	s.broadcastFor(ctx, session, s.store.ProjectIDForTask, taskID, "submitted a deliverable for task %q", task.Description)
	return deliverable, nil
}

// broadcastFor resolves the owning project through resolve and emits
// one notification. Resolution failure drops the notification; the
// mutation has already committed and must not be rolled back or
// duplicated for the sake of messaging.
func (s *Service) broadcastFor(ctx context.Context, session Session, resolve func(context.Context, string) (string, error), entityID, format string, args ...any) {
	projectID, err := resolve(ctx, entityID)
	if err != nil {
		return
	}
	s.notify(projectID, session, format, args...)
}

func (s *Service) indexTask(ctx context.Context, task store.Task) {
	if s.search == nil {
		return
	}
	projectID, err := s.store.ProjectIDForTask(ctx, task.ID)
	if err != nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Description: task.Description,
		Status:      task.Status,
		ProjectID:   projectID,
		ActivityID:  task.ActivityID,
	})
}

func trimFloat(value float64) string {
	formatted := fmt.Sprintf("%.2f", value)
	formatted = strings.TrimRight(formatted, "0")
	return strings.TrimRight(formatted, ".")
}

package store

import (
	"context"
	"fmt"
	"time"
)

// LoadProject fetches the full hierarchy for one project in a fixed
// number of queries, one per entity kind, and assembles it in memory.
// Ordering is stable: creation order at every level, history in
// insertion order. Every node lives on the heap until the final
// bottom-up assembly so child loads never hold pointers into slices
// that a later append could move.
func (s *PostgresStore) LoadProject(ctx context.Context, projectID string) (ProjectGraph, error) {
	graph := ProjectGraph{}
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return ProjectGraph{}, err
	}
	graph.Project = project

	objectives, objectiveIndex, err := s.loadObjectives(ctx, projectID)
	if err != nil {
		return ProjectGraph{}, err
	}
	activities, activityIndex, err := s.loadActivities(ctx, projectID)
	if err != nil {
		return ProjectGraph{}, err
	}
	tasks, taskIndex, err := s.loadTasks(ctx, projectID)
	if err != nil {
		return ProjectGraph{}, err
	}
	if err := s.loadDeliverables(ctx, projectID, taskIndex); err != nil {
		return ProjectGraph{}, err
	}
	kpis, kpiIndex, err := s.loadKPIs(ctx, projectID)
	if err != nil {
		return ProjectGraph{}, err
	}
	if err := s.loadKPIHistory(ctx, projectID, kpiIndex); err != nil {
		return ProjectGraph{}, err
	}
	if err := s.loadBudgets(ctx, projectID, activityIndex); err != nil {
		return ProjectGraph{}, err
	}

	for _, task := range tasks {
		if parent := activityIndex[task.ActivityID]; parent != nil {
			parent.Tasks = append(parent.Tasks, *task)
		}
	}
	for _, kpi := range kpis {
		if parent := activityIndex[kpi.ActivityID]; parent != nil {
			parent.KPIs = append(parent.KPIs, *kpi)
		}
	}
	for _, activity := range activities {
		if parent := objectiveIndex[activity.ObjectiveID]; parent != nil {
			parent.Activities = append(parent.Activities, *activity)
		}
	}

	graph.Objectives = make([]ObjectiveNode, len(objectives))
	for i, node := range objectives {
		graph.Objectives[i] = *node
	}
	return graph, nil
}

func (s *PostgresStore) loadActivities(ctx context.Context, projectID string) ([]*ActivityNode, map[string]*ActivityNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.objective_id, a.name
		FROM activities a
		JOIN objectives o ON o.id = a.objective_id
		WHERE o.project_id=$1
		ORDER BY a.created_at ASC
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load activities: %w", err)
	}
	defer rows.Close()

	var ordered []*ActivityNode
	index := make(map[string]*ActivityNode)
	for rows.Next() {
		var activity Activity
		if err := rows.Scan(&activity.ID, &activity.ObjectiveID, &activity.Name); err != nil {
			return nil, nil, fmt.Errorf("scan activity: %w", err)
		}
		node := &ActivityNode{Activity: activity, Tasks: []TaskNode{}, KPIs: []KPINode{}}
		ordered = append(ordered, node)
		index[activity.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate activities: %w", err)
	}
	return ordered, index, nil
}

func (s *PostgresStore) loadObjectives(ctx context.Context, projectID string) ([]*ObjectiveNode, map[string]*ObjectiveNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name
		FROM objectives
		WHERE project_id=$1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load objectives: %w", err)
	}
	defer rows.Close()

	var ordered []*ObjectiveNode
	index := make(map[string]*ObjectiveNode)
	for rows.Next() {
		var objective Objective
		if err := rows.Scan(&objective.ID, &objective.ProjectID, &objective.Name); err != nil {
			return nil, nil, fmt.Errorf("scan objective: %w", err)
		}
		node := &ObjectiveNode{Objective: objective, Activities: []ActivityNode{}}
		ordered = append(ordered, node)
		index[objective.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate objectives: %w", err)
	}
	return ordered, index, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, projectID string) ([]*TaskNode, map[string]*TaskNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.activity_id, t.description, t.status, t.start_date, t.end_date, t.assignee_id, t.created_at,
			u.id, u.email, u.display_name, u.role
		FROM tasks t
		JOIN activities a ON a.id = t.activity_id
		JOIN objectives o ON o.id = a.objective_id
		LEFT JOIN users u ON u.id = t.assignee_id
		WHERE o.project_id=$1
		ORDER BY t.created_at ASC
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var ordered []*TaskNode
	index := make(map[string]*TaskNode)
	for rows.Next() {
		var task Task
		var assigneeID, assigneeEmail, assigneeName, assigneeRole *string
		if err := rows.Scan(
			&task.ID, &task.ActivityID, &task.Description, &task.Status,
			&task.StartDate, &task.EndDate, &task.AssigneeID, &task.CreatedAt,
			&assigneeID, &assigneeEmail, &assigneeName, &assigneeRole,
		); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		node := &TaskNode{Task: task, Deliverables: []Deliverable{}}
		if assigneeID != nil {
			node.Assignee = &User{ID: *assigneeID, Email: *assigneeEmail, DisplayName: *assigneeName, Role: *assigneeRole}
		}
		ordered = append(ordered, node)
		index[task.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return ordered, index, nil
}

func (s *PostgresStore) loadDeliverables(ctx context.Context, projectID string, taskIndex map[string]*TaskNode) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.task_id, d.text_content, d.file_ref, d.submitted_by, d.created_at
		FROM deliverables d
		JOIN tasks t ON t.id = d.task_id
		JOIN activities a ON a.id = t.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE o.project_id=$1
		ORDER BY d.created_at ASC
	`, projectID)
	if err != nil {
		return fmt.Errorf("load deliverables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Deliverable
		if err := rows.Scan(&item.ID, &item.TaskID, &item.TextContent, &item.FileRef, &item.SubmittedBy, &item.CreatedAt); err != nil {
			return fmt.Errorf("scan deliverable: %w", err)
		}
		if parent := taskIndex[item.TaskID]; parent != nil {
			parent.Deliverables = append(parent.Deliverables, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate deliverables: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadKPIs(ctx context.Context, projectID string) ([]*KPINode, map[string]*KPINode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.id, k.activity_id, k.name, k.unit, k.current_value, k.target_value
		FROM kpis k
		JOIN activities a ON a.id = k.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE o.project_id=$1
		ORDER BY k.id ASC
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load kpis: %w", err)
	}
	defer rows.Close()

	var ordered []*KPINode
	index := make(map[string]*KPINode)
	for rows.Next() {
		var kpi KPI
		if err := rows.Scan(&kpi.ID, &kpi.ActivityID, &kpi.Name, &kpi.Unit, &kpi.CurrentValue, &kpi.TargetValue); err != nil {
			return nil, nil, fmt.Errorf("scan kpi: %w", err)
		}
		node := &KPINode{KPI: kpi, History: []KPIEntry{}}
		ordered = append(ordered, node)
		index[kpi.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate kpis: %w", err)
	}
	return ordered, index, nil
}

func (s *PostgresStore) loadKPIHistory(ctx context.Context, projectID string, kpiIndex map[string]*KPINode) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.kpi_id, e.value, e.cumulative_value, e.recorded_at
		FROM kpi_entries e
		JOIN kpis k ON k.id = e.kpi_id
		JOIN activities a ON a.id = k.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE o.project_id=$1
		ORDER BY e.id ASC
	`, projectID)
	if err != nil {
		return fmt.Errorf("load kpi history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry KPIEntry
		if err := rows.Scan(&entry.ID, &entry.KPIID, &entry.Value, &entry.CumulativeValue, &entry.RecordedAt); err != nil {
			return fmt.Errorf("scan kpi entry: %w", err)
		}
		if parent := kpiIndex[entry.KPIID]; parent != nil {
			parent.History = append(parent.History, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate kpi history: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadBudgets(ctx context.Context, projectID string, activityIndex map[string]*ActivityNode) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.activity_id, b.total_amount,
			e.id, e.budget_id, e.amount, e.description, e.created_at
		FROM budgets b
		JOIN activities a ON a.id = b.activity_id
		JOIN objectives o ON o.id = a.objective_id
		LEFT JOIN expenses e ON e.budget_id = b.id
		WHERE o.project_id=$1
		ORDER BY b.id ASC, e.created_at ASC
	`, projectID)
	if err != nil {
		return fmt.Errorf("load budgets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var budget Budget
		var expenseID, expenseBudgetID, expenseDescription *string
		var expenseAmount *float64
		var expenseCreatedAt *time.Time
		if err := rows.Scan(
			&budget.ID, &budget.ActivityID, &budget.TotalAmount,
			&expenseID, &expenseBudgetID, &expenseAmount, &expenseDescription, &expenseCreatedAt,
		); err != nil {
			return fmt.Errorf("scan budget: %w", err)
		}
		parent := activityIndex[budget.ActivityID]
		if parent == nil {
			continue
		}
		if parent.Budget == nil {
			parent.Budget = &BudgetNode{Budget: budget, Expenses: []Expense{}}
		}
		if expenseID != nil {
			parent.Budget.Expenses = append(parent.Budget.Expenses, Expense{
				ID:          *expenseID,
				BudgetID:    *expenseBudgetID,
				Amount:      *expenseAmount,
				Description: *expenseDescription,
				CreatedAt:   *expenseCreatedAt,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate budgets: %w", err)
	}
	return nil
}

// ProjectIDForObjective resolves the owning project of an objective.
func (s *PostgresStore) ProjectIDForObjective(ctx context.Context, objectiveID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `SELECT project_id FROM objectives WHERE id=$1`, objectiveID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ProjectIDForActivity resolves the owning project of an activity.
func (s *PostgresStore) ProjectIDForActivity(ctx context.Context, activityID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		SELECT o.project_id
		FROM activities a
		JOIN objectives o ON o.id = a.objective_id
		WHERE a.id=$1
	`, activityID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ProjectIDForTask resolves the owning project of a task.
func (s *PostgresStore) ProjectIDForTask(ctx context.Context, taskID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		SELECT o.project_id
		FROM tasks t
		JOIN activities a ON a.id = t.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE t.id=$1
	`, taskID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ProjectIDForKPI resolves the owning project of a KPI.
func (s *PostgresStore) ProjectIDForKPI(ctx context.Context, kpiID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		SELECT o.project_id
		FROM kpis k
		JOIN activities a ON a.id = k.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE k.id=$1
	`, kpiID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ProjectIDForBudget resolves the owning project of a budget.
func (s *PostgresStore) ProjectIDForBudget(ctx context.Context, budgetID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		SELECT o.project_id
		FROM budgets b
		JOIN activities a ON a.id = b.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE b.id=$1
	`, budgetID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ProjectSummary counts tasks in one pass: total, completed, and
// pending tasks whose end date has passed.
func (s *PostgresStore) ProjectSummary(ctx context.Context, projectID string) (ProjectSummary, error) {
	var summary ProjectSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE t.status=$2),
			COUNT(*) FILTER (WHERE t.status=$3 AND t.end_date IS NOT NULL AND t.end_date < CURRENT_DATE)
		FROM tasks t
		JOIN activities a ON a.id = t.activity_id
		JOIN objectives o ON o.id = a.objective_id
		WHERE o.project_id=$1
	`, projectID, TaskStatusComplete, TaskStatusPending).
		Scan(&summary.TotalTasks, &summary.CompletedTasks, &summary.OverdueTasks)
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("project summary: %w", err)
	}
	return summary, nil
}

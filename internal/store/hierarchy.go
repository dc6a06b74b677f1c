package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	TaskStatusPending  = "PENDING"
	TaskStatusComplete = "COMPLETE"
)

// ErrBudgetExists is returned when an activity already carries a budget.
var ErrBudgetExists = errors.New("activity already has a budget")

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, name) VALUES ($1, $2)`, project.ID, project.Name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id=$1`, projectID).
		Scan(&item.ID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// DeleteProject removes the project and, through the schema's cascade
// rules, every objective, activity, task, KPI, history row, budget,
// expense and deliverable beneath it.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertObjective(ctx context.Context, objective Objective) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objectives (id, project_id, name) VALUES ($1, $2, $3)
	`, objective.ID, objective.ProjectID, objective.Name)
	if err != nil {
		return fmt.Errorf("insert objective: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetObjective(ctx context.Context, objectiveID string) (Objective, error) {
	var item Objective
	err := s.db.QueryRowContext(ctx, `SELECT id, project_id, name FROM objectives WHERE id=$1`, objectiveID).
		Scan(&item.ID, &item.ProjectID, &item.Name)
	if err != nil {
		return Objective{}, err
	}
	return item, nil
}

func (s *PostgresStore) RenameObjective(ctx context.Context, objectiveID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE objectives SET name=$2 WHERE id=$1`, objectiveID, name)
	if err != nil {
		return fmt.Errorf("rename objective: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteObjective(ctx context.Context, objectiveID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM objectives WHERE id=$1`, objectiveID)
	if err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, objective_id, name) VALUES ($1, $2, $3)
	`, activity.ID, activity.ObjectiveID, activity.Name)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, activityID string) (Activity, error) {
	var item Activity
	err := s.db.QueryRowContext(ctx, `SELECT id, objective_id, name FROM activities WHERE id=$1`, activityID).
		Scan(&item.ID, &item.ObjectiveID, &item.Name)
	if err != nil {
		return Activity{}, err
	}
	return item, nil
}

func (s *PostgresStore) RenameActivity(ctx context.Context, activityID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE activities SET name=$2 WHERE id=$1`, activityID, name)
	if err != nil {
		return fmt.Errorf("rename activity: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteActivity(ctx context.Context, activityID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id=$1`, activityID)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	status := task.Status
	if status == "" {
		status = TaskStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, activity_id, description, status, start_date, end_date, assignee_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.ActivityID, task.Description, status, task.StartDate, task.EndDate, task.AssigneeID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, activity_id, description, status, start_date, end_date, assignee_id, created_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(&item.ID, &item.ActivityID, &item.Description, &item.Status, &item.StartDate, &item.EndDate, &item.AssigneeID, &item.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

// PatchTask applies only the fields present on the patch and returns
// the updated row. An empty assignee id clears the assignment.
func (s *PostgresStore) PatchTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.StartDate != nil {
		task.StartDate = patch.StartDate
	}
	if patch.EndDate != nil {
		task.EndDate = patch.EndDate
	}
	if patch.AssigneeID != nil {
		if *patch.AssigneeID == "" {
			task.AssigneeID = nil
		} else {
			task.AssigneeID = patch.AssigneeID
		}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET description=$2, start_date=$3, end_date=$4, assignee_id=$5
		WHERE id=$1
	`, taskID, task.Description, task.StartDate, task.EndDate, task.AssigneeID)
	if err != nil {
		return Task{}, fmt.Errorf("patch task: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ToggleTaskStatus flips a task between PENDING and COMPLETE and
// returns the updated row.
func (s *PostgresStore) ToggleTaskStatus(ctx context.Context, taskID string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = CASE status WHEN $2 THEN $3 ELSE $2 END
		WHERE id=$1
		RETURNING id, activity_id, description, status, start_date, end_date, assignee_id, created_at
	`, taskID, TaskStatusComplete, TaskStatusPending).
		Scan(&item.ID, &item.ActivityID, &item.Description, &item.Status, &item.StartDate, &item.EndDate, &item.AssigneeID, &item.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertKPI(ctx context.Context, kpi KPI) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpis (id, activity_id, name, unit, current_value, target_value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, kpi.ID, kpi.ActivityID, kpi.Name, kpi.Unit, kpi.CurrentValue, kpi.TargetValue)
	if err != nil {
		return fmt.Errorf("insert kpi: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKPI(ctx context.Context, kpiID string) (KPI, error) {
	var item KPI
	err := s.db.QueryRowContext(ctx, `
		SELECT id, activity_id, name, unit, current_value, target_value
		FROM kpis
		WHERE id=$1
	`, kpiID).Scan(&item.ID, &item.ActivityID, &item.Name, &item.Unit, &item.CurrentValue, &item.TargetValue)
	if err != nil {
		return KPI{}, err
	}
	return item, nil
}

func (s *PostgresStore) PatchKPI(ctx context.Context, kpiID string, patch KPIPatch) (KPI, error) {
	kpi, err := s.GetKPI(ctx, kpiID)
	if err != nil {
		return KPI{}, err
	}
	if patch.Name != nil {
		kpi.Name = *patch.Name
	}
	if patch.Unit != nil {
		kpi.Unit = *patch.Unit
	}
	if patch.TargetValue != nil {
		kpi.TargetValue = *patch.TargetValue
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE kpis SET name=$2, unit=$3, target_value=$4 WHERE id=$1
	`, kpiID, kpi.Name, kpi.Unit, kpi.TargetValue)
	if err != nil {
		return KPI{}, fmt.Errorf("patch kpi: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return KPI{}, err
	}
	return kpi, nil
}

func (s *PostgresStore) DeleteKPI(ctx context.Context, kpiID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kpis WHERE id=$1`, kpiID)
	if err != nil {
		return fmt.Errorf("delete kpi: %w", err)
	}
	return requireAffected(result)
}

// AppendKPIEntry records a data entry against a KPI: a new history row
// plus the matching bump of current_value, in one transaction. The
// history is append-only; values are never overwritten.
func (s *PostgresStore) AppendKPIEntry(ctx context.Context, kpiID string, value float64) (KPI, KPIEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return KPI{}, KPIEntry{}, fmt.Errorf("begin kpi entry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kpi KPI
	err = tx.QueryRowContext(ctx, `
		SELECT id, activity_id, name, unit, current_value, target_value
		FROM kpis
		WHERE id=$1
		FOR UPDATE
	`, kpiID).Scan(&kpi.ID, &kpi.ActivityID, &kpi.Name, &kpi.Unit, &kpi.CurrentValue, &kpi.TargetValue)
	if err != nil {
		return KPI{}, KPIEntry{}, err
	}

	entry := KPIEntry{
		KPIID:           kpiID,
		Value:           value,
		CumulativeValue: kpi.CurrentValue + value,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO kpi_entries (kpi_id, value, cumulative_value)
		VALUES ($1, $2, $3)
		RETURNING id, recorded_at
	`, kpiID, entry.Value, entry.CumulativeValue).Scan(&entry.ID, &entry.RecordedAt)
	if err != nil {
		return KPI{}, KPIEntry{}, fmt.Errorf("insert kpi entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE kpis SET current_value=$2 WHERE id=$1
	`, kpiID, entry.CumulativeValue); err != nil {
		return KPI{}, KPIEntry{}, fmt.Errorf("update kpi current value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return KPI{}, KPIEntry{}, fmt.Errorf("commit kpi entry: %w", err)
	}
	kpi.CurrentValue = entry.CumulativeValue
	return kpi, entry, nil
}

func (s *PostgresStore) InsertBudget(ctx context.Context, budget Budget) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM budgets WHERE activity_id=$1)`, budget.ActivityID).Scan(&exists); err != nil {
		return fmt.Errorf("check budget: %w", err)
	}
	if exists {
		return ErrBudgetExists
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, activity_id, total_amount) VALUES ($1, $2, $3)
	`, budget.ID, budget.ActivityID, budget.TotalAmount)
	if err != nil {
		return fmt.Errorf("insert budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBudget(ctx context.Context, budgetID string) (Budget, error) {
	var item Budget
	err := s.db.QueryRowContext(ctx, `SELECT id, activity_id, total_amount FROM budgets WHERE id=$1`, budgetID).
		Scan(&item.ID, &item.ActivityID, &item.TotalAmount)
	if err != nil {
		return Budget{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertExpense(ctx context.Context, expense Expense) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, budget_id, amount, description) VALUES ($1, $2, $3, $4)
	`, expense.ID, expense.BudgetID, expense.Amount, expense.Description)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDeliverable(ctx context.Context, deliverable Deliverable) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliverables (id, task_id, text_content, file_ref, submitted_by)
		VALUES ($1, $2, $3, $4, $5)
	`, deliverable.ID, deliverable.TaskID, deliverable.TextContent, deliverable.FileRef, deliverable.SubmittedBy)
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

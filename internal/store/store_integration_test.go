package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orchid/api/internal/util"
)

// openTestStore connects to the database named by TEST_DATABASE_URL,
// resets the public schema and applies migrations from scratch. Tests
// that need Postgres skip when the variable is unset.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

type seededHierarchy struct {
	project   Project
	objective Objective
	activity  Activity
	task      Task
	kpi       KPI
}

func seedHierarchy(t *testing.T, s *PostgresStore) seededHierarchy {
	t.Helper()
	ctx := context.Background()

	seed := seededHierarchy{
		project:   Project{ID: util.NewID("prj"), Name: "Clean Water Initiative"},
		objective: Objective{ID: util.NewID("obj"), Name: "Improve well coverage"},
		activity:  Activity{ID: util.NewID("act"), Name: "Drill wells in region A"},
		task:      Task{ID: util.NewID("tsk"), Description: "Survey drill sites"},
		kpi:       KPI{ID: util.NewID("kpi"), Name: "Wells drilled", Unit: "wells", TargetValue: 20},
	}
	seed.objective.ProjectID = seed.project.ID
	seed.activity.ObjectiveID = seed.objective.ID
	seed.task.ActivityID = seed.activity.ID
	seed.task.Status = TaskStatusPending
	seed.kpi.ActivityID = seed.activity.ID

	if err := s.InsertProject(ctx, seed.project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := s.InsertObjective(ctx, seed.objective); err != nil {
		t.Fatalf("insert objective: %v", err)
	}
	if err := s.InsertActivity(ctx, seed.activity); err != nil {
		t.Fatalf("insert activity: %v", err)
	}
	if err := s.InsertTask(ctx, seed.task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := s.InsertKPI(ctx, seed.kpi); err != nil {
		t.Fatalf("insert kpi: %v", err)
	}
	return seed
}

func TestDeleteProjectCascadesToAllDescendants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedHierarchy(t, s)

	budget := Budget{ID: util.NewID("bdg"), ActivityID: seed.activity.ID, TotalAmount: 5000}
	if err := s.InsertBudget(ctx, budget); err != nil {
		t.Fatalf("insert budget: %v", err)
	}
	if err := s.InsertExpense(ctx, Expense{ID: util.NewID("exp"), BudgetID: budget.ID, Amount: 120, Description: "fuel"}); err != nil {
		t.Fatalf("insert expense: %v", err)
	}
	if _, _, err := s.AppendKPIEntry(ctx, seed.kpi.ID, 3); err != nil {
		t.Fatalf("append kpi entry: %v", err)
	}

	if err := s.DeleteProject(ctx, seed.project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	tables := map[string]string{
		"objectives": seed.objective.ID,
		"activities": seed.activity.ID,
		"tasks":      seed.task.ID,
		"kpis":       seed.kpi.ID,
		"budgets":    budget.ID,
	}
	for table, id := range tables {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id=$1`, id).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("%s row survived project delete", table)
		}
	}
	var entries int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kpi_entries WHERE kpi_id=$1`, seed.kpi.ID).Scan(&entries); err != nil {
		t.Fatalf("count kpi entries: %v", err)
	}
	if entries != 0 {
		t.Errorf("kpi history survived project delete")
	}
}

func TestAppendKPIEntryAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedHierarchy(t, s)

	if _, _, err := s.AppendKPIEntry(ctx, seed.kpi.ID, 5); err != nil {
		t.Fatalf("append first entry: %v", err)
	}
	kpi, entry, err := s.AppendKPIEntry(ctx, seed.kpi.ID, 3)
	if err != nil {
		t.Fatalf("append second entry: %v", err)
	}
	if kpi.CurrentValue != 8 {
		t.Fatalf("current value = %v, want 8", kpi.CurrentValue)
	}
	if entry.CumulativeValue != 8 {
		t.Fatalf("cumulative value = %v, want 8", entry.CumulativeValue)
	}

	graph, err := s.LoadProject(ctx, seed.project.ID)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	history := graph.Objectives[0].Activities[0].KPIs[0].History
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Value != 5 || history[1].Value != 3 {
		t.Fatalf("history out of order: %v then %v", history[0].Value, history[1].Value)
	}
}

func TestToggleTaskStatusFlipsBothWays(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedHierarchy(t, s)

	task, err := s.ToggleTaskStatus(ctx, seed.task.ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if task.Status != TaskStatusComplete {
		t.Fatalf("status after first toggle = %q, want %q", task.Status, TaskStatusComplete)
	}
	task, err = s.ToggleTaskStatus(ctx, seed.task.ID)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if task.Status != TaskStatusPending {
		t.Fatalf("status after second toggle = %q, want %q", task.Status, TaskStatusPending)
	}
}

func TestPatchTaskClearsAssigneeOnEmptyID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedHierarchy(t, s)

	officer := User{ID: util.NewID("usr"), Email: "fo@example.com", DisplayName: "Field Officer", PasswordHash: "x", Role: "field_officer"}
	if err := s.CreateUser(ctx, officer); err != nil {
		t.Fatalf("create user: %v", err)
	}

	assignee := officer.ID
	task, err := s.PatchTask(ctx, seed.task.ID, TaskPatch{AssigneeID: &assignee})
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if task.AssigneeID == nil || *task.AssigneeID != officer.ID {
		t.Fatalf("assignee not set")
	}

	none := ""
	task, err = s.PatchTask(ctx, seed.task.ID, TaskPatch{AssigneeID: &none})
	if err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	if task.AssigneeID != nil {
		t.Fatalf("assignee = %q, want cleared", *task.AssigneeID)
	}
}

func TestProjectIDResolutionWalksAncestors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed := seedHierarchy(t, s)

	cases := []struct {
		name string
		fn   func() (string, error)
	}{
		{"objective", func() (string, error) { return s.ProjectIDForObjective(ctx, seed.objective.ID) }},
		{"activity", func() (string, error) { return s.ProjectIDForActivity(ctx, seed.activity.ID) }},
		{"task", func() (string, error) { return s.ProjectIDForTask(ctx, seed.task.ID) }},
		{"kpi", func() (string, error) { return s.ProjectIDForKPI(ctx, seed.kpi.ID) }},
	}
	for _, tc := range cases {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("resolve via %s: %v", tc.name, err)
		}
		if got != seed.project.ID {
			t.Errorf("resolve via %s = %q, want %q", tc.name, got, seed.project.ID)
		}
	}

	if _, err := s.ProjectIDForTask(ctx, "tsk_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing task resolution error = %v, want sql.ErrNoRows", err)
	}
}

func TestDistributeRejectsInsufficientStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := Item{ID: util.NewID("itm"), Name: "Water filters"}
	location := Location{ID: util.NewID("loc"), Name: "Depot North"}
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if err := s.InsertLocation(ctx, location); err != nil {
		t.Fatalf("insert location: %v", err)
	}
	if _, err := s.UpsertStockLevel(ctx, StockLevel{
		ID: util.NewID("stk"), ItemID: item.ID, LocationID: location.ID,
		Quantity: 10, LowStockThreshold: 4,
	}); err != nil {
		t.Fatalf("upsert stock level: %v", err)
	}

	level, err := s.Distribute(ctx, item.ID, location.ID, 7)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if level.Quantity != 3 {
		t.Fatalf("quantity after distribute = %d, want 3", level.Quantity)
	}

	if _, err := s.Distribute(ctx, item.ID, location.ID, 4); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientStock", err)
	}
	levels, err := s.ListStockLevels(ctx)
	if err != nil {
		t.Fatalf("list stock levels: %v", err)
	}
	if len(levels) != 1 || levels[0].Quantity != 3 {
		t.Fatalf("failed distribute must not change quantity, got %+v", levels)
	}
}

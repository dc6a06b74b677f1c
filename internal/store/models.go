package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Objective struct {
	ID        string
	ProjectID string
	Name      string
}

type Activity struct {
	ID          string
	ObjectiveID string
	Name        string
}

type Task struct {
	ID          string
	ActivityID  string
	Description string
	Status      string
	StartDate   *time.Time
	EndDate     *time.Time
	AssigneeID  *string
	CreatedAt   time.Time
}

type KPI struct {
	ID           string
	ActivityID   string
	Name         string
	Unit         string
	CurrentValue float64
	TargetValue  float64
}

// KPIEntry is one append-only history row; CumulativeValue is the KPI's
// running total after this entry was applied.
type KPIEntry struct {
	ID              int64
	KPIID           string
	Value           float64
	CumulativeValue float64
	RecordedAt      time.Time
}

type Budget struct {
	ID          string
	ActivityID  string
	TotalAmount float64
}

type Expense struct {
	ID          string
	BudgetID    string
	Amount      float64
	Description string
	CreatedAt   time.Time
}

type Deliverable struct {
	ID          string
	TaskID      string
	TextContent *string
	FileRef     *string
	SubmittedBy string
	CreatedAt   time.Time
}

type Item struct {
	ID          string
	Name        string
	Description string
}

type Location struct {
	ID          string
	Name        string
	Description string
}

type StockLevel struct {
	ID                string
	ItemID            string
	LocationID        string
	Quantity          int
	LowStockThreshold int
}

// TaskPatch applies only the fields that are present; nil means "leave
// untouched". An empty AssigneeID clears the assignment.
type TaskPatch struct {
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	AssigneeID  *string
}

type KPIPatch struct {
	Name        *string
	Unit        *string
	TargetValue *float64
}

// ProjectGraph is the fully loaded hierarchy for one project, the unit
// the view filter and serializers operate on.
type ProjectGraph struct {
	Project
	Objectives []ObjectiveNode
}

type ObjectiveNode struct {
	Objective
	Activities []ActivityNode
}

type ActivityNode struct {
	Activity
	Tasks  []TaskNode
	KPIs   []KPINode
	Budget *BudgetNode
}

type TaskNode struct {
	Task
	Assignee     *User
	Deliverables []Deliverable
}

type KPINode struct {
	KPI
	History []KPIEntry
}

type BudgetNode struct {
	Budget
	Expenses []Expense
}

type ProjectSummary struct {
	TotalTasks     int
	CompletedTasks int
	OverdueTasks   int
}

package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher directly against Postgres as a fallback
// when Meilisearch is not configured or unreachable. It matches on
// substrings rather than ranked full text, which is good enough to keep
// the endpoint working during an outage.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a Postgres-backed searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down the whole API is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search runs a UNION ALL query across projects and tasks ordered by
// name, since there is no rank to sort by.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{"%" + q.Text + "%"}
	argN := 2

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultProject {
		subQueries = append(subQueries, `
			SELECT 'project'::text AS type, p.id, p.name AS title,
				''::text AS status, p.id AS project_id
			FROM projects p
			WHERE p.name ILIKE $1`)
	}
	if q.FilterType == "" || q.FilterType == ResultTask {
		taskWhere := "t.description ILIKE $1"
		if q.FilterProjectID != "" {
			taskWhere += fmt.Sprintf(" AND o.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.description AS title,
				t.status, o.project_id
			FROM tasks t
			JOIN activities a ON a.id = t.activity_id
			JOIN objectives o ON o.id = a.objective_id
			WHERE %s`, taskWhere))
	}

	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	ctx := context.Background()
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, status, project_id
		FROM (%s) sub
		ORDER BY title ASC
		LIMIT %d OFFSET %d`, union, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Status, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable row for full reindexing into
// Meilisearch after it recovers or on first boot.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []TaskRecord, error) {
	projectRows, err := p.db.QueryContext(ctx, `SELECT id, name FROM projects`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var record ProjectRecord
		if err := projectRows.Scan(&record.ID, &record.Name); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, record)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	taskRows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.description, t.status, t.activity_id, o.project_id
		FROM tasks t
		JOIN activities a ON a.id = t.activity_id
		JOIN objectives o ON o.id = a.objective_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var record TaskRecord
		if err := taskRows.Scan(&record.ID, &record.Description, &record.Status, &record.ActivityID, &record.ProjectID); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, record)
	}
	return projects, tasks, taskRows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentpm/internal/domain"
)

const taskColumns = `id,work_item_id,project_id,name,type,status,priority,effort_hours,assigned_agent,blocking_reasons_json,metadata_json,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                domain.Task
		agent            sql.NullString
		reasons, meta    string
		created, updated string
	)
	err := row.Scan(&t.ID, &t.WorkItemID, &t.ProjectID, &t.Name, &t.Type, &t.Status, &t.Priority,
		&t.EffortHours, &agent, &reasons, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssignedAgent = stringPtr(agent)
	if err := fromJSON(reasons, &t.BlockingReasons); err != nil {
		return t, fmt.Errorf("task %s blocking reasons: %w", t.ID, err)
	}
	if err := fromJSON(meta, &t.Metadata); err != nil {
		return t, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updated)
	return t, err
}

// InsertTask stores a task and its dependency edges in one transaction.
// Cycle checks belong to the caller.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	reasons := t.BlockingReasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := toJSON(reasons)
	if err != nil {
		return err
	}
	meta, err := toJSON(nonNilMap(t.Metadata))
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkItemID, t.ProjectID, t.Name, string(t.Type), string(t.Status), t.Priority, t.EffortHours,
		nullableStringPtr(t.AssignedAgent), reasonsJSON, meta, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id,depends_on_id) VALUES (?,?)`, t.ID, dep); err != nil {
			return fmt.Errorf("add dependency %s: %w", dep, err)
		}
	}
	return tx.Commit()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, id)
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	WorkItemID string
	Status     string
	Assignee   string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assigned_agent=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// DependencyGraph returns the dependency edges among the tasks of one work
// item, keyed by dependent task id.
func (r Repo) DependencyGraph(ctx context.Context, workItemID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id, d.depends_on_id FROM task_dependencies d
JOIN tasks t ON t.id = d.task_id WHERE t.work_item_id=? ORDER BY d.task_id, d.depends_on_id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	graph := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

func (r Repo) dependencyStatuses(ctx context.Context, taskID string) (map[string]domain.Status, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.depends_on_id, t.status FROM task_dependencies d
JOIN tasks t ON t.id = d.depends_on_id WHERE d.task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[string]domain.Status
	for rows.Next() {
		var (
			id     string
			status domain.Status
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		if out == nil {
			out = map[string]domain.Status{}
		}
		out[id] = status
	}
	return out, rows.Err()
}

// AddDependency records that taskID depends on dependsOnID. Cycle checks
// belong to the caller.
func (r Repo) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id,depends_on_id) VALUES (?,?)`, taskID, dependsOnID)
	return err
}

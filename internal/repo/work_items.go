package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentpm/internal/domain"
)

const workItemColumns = `id,project_id,parent_id,name,type,status,phase,priority,effort_hours,metadata_json,created_at,updated_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                domain.WorkItem
		parent, phase    sql.NullString
		meta             string
		created, updated string
	)
	err := row.Scan(&w.ID, &w.ProjectID, &parent, &w.Name, &w.Type, &w.Status, &phase,
		&w.Priority, &w.EffortHours, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ParentID = stringPtr(parent)
	if phase.Valid && phase.String != "" {
		p := domain.Phase(phase.String)
		w.Phase = &p
	}
	if err := fromJSON(meta, &w.Metadata); err != nil {
		return w, fmt.Errorf("work item %s metadata: %w", w.ID, err)
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return w, err
	}
	w.UpdatedAt, err = parseTime(updated)
	return w, err
}

// InsertWorkItem stores a new work item. A parent must exist in the same
// project.
func (r Repo) InsertWorkItem(ctx context.Context, w domain.WorkItem) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if w.ParentID != nil {
		var parentProject string
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM work_items WHERE id=?`, *w.ParentID).Scan(&parentProject)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent work item %s: %w", *w.ParentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if parentProject != w.ProjectID {
			return fmt.Errorf("parent work item %s (project %s): %w", *w.ParentID, parentProject, ErrCrossProject)
		}
	}
	meta, err := toJSON(nonNilMap(w.Metadata))
	if err != nil {
		return err
	}
	var phase any
	if w.Phase != nil {
		phase = string(*w.Phase)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.ParentID), w.Name, string(w.Type), string(w.Status), phase,
		w.Priority, w.EffortHours, meta, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

type WorkItemFilters struct {
	ProjectID string
	Status    string
	ParentID  string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SetWorkItemParent moves a work item under parentID, or to the top level
// when parentID is nil. Moves that would make an item its own ancestor
// fail with ErrCycle.
func (r Repo) SetWorkItemParent(ctx context.Context, id string, parentID *string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM work_items WHERE id=?`, id).Scan(&projectID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if parentID != nil {
		cursor := *parentID
		for cursor != "" {
			if cursor == id {
				return fmt.Errorf("parent %s: %w", *parentID, ErrCycle)
			}
			var (
				next    sql.NullString
				project string
			)
			err := tx.QueryRowContext(ctx, `SELECT parent_id,project_id FROM work_items WHERE id=?`, cursor).Scan(&next, &project)
			if err == sql.ErrNoRows {
				return fmt.Errorf("parent work item %s: %w", cursor, ErrNotFound)
			}
			if err != nil {
				return err
			}
			if project != projectID {
				return fmt.Errorf("parent work item %s (project %s): %w", cursor, project, ErrCrossProject)
			}
			cursor = next.String
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET parent_id=? WHERE id=?`, nullableStringPtr(parentID), id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteWorkItem hard-deletes a work item that has no tasks and no child
// work items. Anything with dependents must be archived instead.
func (r Repo) DeleteWorkItem(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var dependents int
	err = tx.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM tasks WHERE work_item_id=?) +
  (SELECT COUNT(*) FROM work_items WHERE parent_id=?)`, id, id).Scan(&dependents)
	if err != nil {
		return err
	}
	if dependents > 0 {
		return ErrHasDependents
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

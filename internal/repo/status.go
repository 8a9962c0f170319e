package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentpm/internal/domain"
)

// GetEntity loads the engine view of a work item or task. Task snapshots
// carry the current status of every dependency.
func (r Repo) GetEntity(ctx context.Context, t domain.EntityType, id string) (domain.Entity, error) {
	switch t {
	case domain.EntityWorkItem:
		w, err := r.GetWorkItem(ctx, id)
		if err != nil {
			return domain.Entity{}, err
		}
		return w.Snapshot(), nil
	case domain.EntityTask:
		task, err := r.GetTask(ctx, id)
		if err != nil {
			return domain.Entity{}, err
		}
		e := task.Snapshot()
		if e.DependencyStatuses, err = r.dependencyStatuses(ctx, id); err != nil {
			return domain.Entity{}, err
		}
		return e, nil
	}
	return domain.Entity{}, fmt.Errorf("unknown entity type %q", t)
}

// CommitStatus applies a status change if, and only if, the stored status
// still equals change.From. Otherwise it returns ErrStaleStatus and writes
// nothing.
func (r Repo) CommitStatus(ctx context.Context, change domain.StatusChange) error {
	var table string
	switch change.EntityType {
	case domain.EntityWorkItem:
		table = "work_items"
	case domain.EntityTask:
		table = "tasks"
	default:
		return fmt.Errorf("unknown entity type %q", change.EntityType)
	}
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		current string
		meta    string
	)
	err = tx.QueryRowContext(ctx, `SELECT status, metadata_json FROM `+table+` WHERE id=?`, change.ID).Scan(&current, &meta)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.Status(current) != change.From {
		return fmt.Errorf("%s %s is %s, expected %s: %w", change.EntityType, change.ID, current, change.From, ErrStaleStatus)
	}

	sets := "status=?, updated_at=?"
	args := []any{string(change.To), formatTime(at)}

	if len(change.Enrichments) > 0 {
		merged, err := mergeEnrichments(meta, change.Enrichments)
		if err != nil {
			return fmt.Errorf("%s %s metadata: %w", change.EntityType, change.ID, err)
		}
		sets += ", metadata_json=?"
		args = append(args, merged)
	}

	if change.EntityType == domain.EntityTask {
		reasons, changed, err := r.nextBlockingReasons(ctx, tx, change)
		if err != nil {
			return err
		}
		if changed {
			sets += ", blocking_reasons_json=?"
			args = append(args, reasons)
		}
	}

	args = append(args, change.ID, string(change.From))
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET `+sets+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return tx.Commit()
}

func (r Repo) nextBlockingReasons(ctx context.Context, tx *sql.Tx, change domain.StatusChange) (string, bool, error) {
	entering := change.To == domain.StatusBlocked && change.BlockingReason != ""
	leaving := change.From == domain.StatusBlocked && change.To != domain.StatusBlocked
	if !entering && !leaving {
		return "", false, nil
	}
	reasons := []string{}
	if entering {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT blocking_reasons_json FROM tasks WHERE id=?`, change.ID).Scan(&raw); err != nil {
			return "", false, err
		}
		if err := fromJSON(raw, &reasons); err != nil {
			return "", false, fmt.Errorf("task %s blocking reasons: %w", change.ID, err)
		}
		reasons = append(reasons, change.BlockingReason)
	}
	out, err := toJSON(reasons)
	return out, err == nil, err
}

func mergeEnrichments(raw string, enrichments map[string]string) (string, error) {
	meta := map[string]any{}
	if err := fromJSON(raw, &meta); err != nil {
		return "", err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	bucket, _ := meta["enrichments"].(map[string]any)
	if bucket == nil {
		bucket = map[string]any{}
	}
	for k, v := range enrichments {
		bucket[k] = v
	}
	meta["enrichments"] = bucket
	return toJSON(meta)
}

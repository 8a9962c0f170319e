package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentpm/internal/domain"
)

// Writer persists audit events into the events table. It satisfies
// journal.Sink.
type Writer struct {
	DB *sql.DB
}

func (w Writer) Persist(ctx context.Context, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(id,type,category,severity,session_id,ts,source,actor_id,project_id,work_item_id,task_id,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.Type, evt.Category, string(evt.Severity), nullable(evt.SessionID),
		evt.Timestamp.UTC().Format(timeLayout), evt.Source, nullable(evt.ActorID),
		nullable(evt.ProjectID), nullable(evt.WorkItemID), nullable(evt.TaskID), string(data))
	return err
}

// Reader queries the events table.
type Reader struct {
	DB *sql.DB
}

func (r Reader) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	eq("project_id", f.ProjectID)
	eq("category", f.Category)
	eq("severity", string(f.Severity))
	eq("type", f.Type)
	eq("session_id", f.SessionID)
	switch f.EntityType {
	case domain.EntityTask:
		if f.EntityID != "" {
			eq("task_id", f.EntityID)
		} else {
			clauses = append(clauses, "task_id IS NOT NULL")
		}
	case domain.EntityWorkItem:
		if f.EntityID != "" {
			eq("work_item_id", f.EntityID)
		} else {
			clauses = append(clauses, "work_item_id IS NOT NULL AND task_id IS NULL")
		}
	default:
		if f.EntityID != "" {
			clauses = append(clauses, "(work_item_id=? OR task_id=?)")
			args = append(args, f.EntityID, f.EntityID)
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	order := "ASC"
	if f.Latest {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT seq,id,type,category,severity,COALESCE(session_id,''),ts,source,COALESCE(actor_id,''),
COALESCE(project_id,''),COALESCE(work_item_id,''),COALESCE(task_id,''),payload_json
FROM events WHERE %s ORDER BY seq %s LIMIT ?`, strings.Join(clauses, " AND "), order)
	args = append(args, f.limit())

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			severity string
			ts       string
			payload  string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.Category, &severity, &e.SessionID, &ts, &e.Source,
			&e.ActorID, &e.ProjectID, &e.WorkItemID, &e.TaskID, &payload); err != nil {
			return nil, err
		}
		e.Severity = domain.Severity(severity)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("event %s: bad timestamp %q: %w", e.ID, ts, err)
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %s: bad payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Latest {
		reverse(res)
	}
	return res, nil
}

// Count returns the number of persisted events.
func (r Reader) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func reverse(evts []domain.Event) {
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

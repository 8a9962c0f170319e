package events

import (
	"context"
	"time"

	"agentpm/internal/domain"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// timeLayout is fixed-width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Filter selects persisted events. Zero fields match everything.
//
// EntityType and EntityID combine: a work item id also matches the events
// of its tasks; EntityType alone restricts to events about that kind.
type Filter struct {
	ProjectID  string
	EntityType domain.EntityType
	EntityID   string
	Category   string
	Severity   domain.Severity
	Type       string
	SessionID  string
	Since      time.Time
	Until      time.Time
	AfterSeq   int64
	Limit      int
	// Latest returns the most recent Limit matches instead of the oldest.
	// Results are still in persist order.
	Latest bool
}

// Querier is the read-only audit surface shared by every sink.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]domain.Event, error)
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	}
	return f.Limit
}

// Match reports whether evt satisfies every criterion except Limit.
func (f Filter) Match(evt domain.Event) bool {
	if f.ProjectID != "" && evt.ProjectID != f.ProjectID {
		return false
	}
	if !f.matchEntity(evt) {
		return false
	}
	if f.Category != "" && evt.Category != f.Category {
		return false
	}
	if f.Severity != "" && evt.Severity != f.Severity {
		return false
	}
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.SessionID != "" && evt.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
		return false
	}
	if f.AfterSeq > 0 && evt.Seq <= f.AfterSeq {
		return false
	}
	return true
}

func (f Filter) matchEntity(evt domain.Event) bool {
	switch f.EntityType {
	case domain.EntityTask:
		if f.EntityID != "" {
			return evt.TaskID == f.EntityID
		}
		return evt.TaskID != ""
	case domain.EntityWorkItem:
		if f.EntityID != "" {
			return evt.WorkItemID == f.EntityID
		}
		return evt.WorkItemID != "" && evt.TaskID == ""
	}
	if f.EntityID != "" {
		return evt.WorkItemID == f.EntityID || evt.TaskID == f.EntityID
	}
	return true
}

// window trims matches to the filter's limit.
func (f Filter) window(evts []domain.Event) []domain.Event {
	n := f.limit()
	if len(evts) <= n {
		return evts
	}
	if f.Latest {
		return evts[len(evts)-n:]
	}
	return evts[:n]
}

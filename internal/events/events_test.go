package events

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpm/internal/db"
	"agentpm/internal/domain"
	"agentpm/internal/migrate"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func sampleEvents() []domain.Event {
	mk := func(id, typ string, sev domain.Severity, offset time.Duration, wi, task string) domain.Event {
		return domain.Event{
			ID:         id,
			Type:       typ,
			Category:   domain.CategoryOf(typ),
			Severity:   sev,
			SessionID:  "s-1",
			Timestamp:  base.Add(offset),
			Source:     "test",
			ProjectID:  "p1",
			WorkItemID: wi,
			TaskID:     task,
			Payload:    map[string]any{"id": id},
		}
	}
	return []domain.Event{
		mk("e1", domain.EventEntityCreated, domain.SeverityInfo, 0, "wi-1", ""),
		mk("e2", domain.EventTransition, domain.SeverityInfo, time.Second, "wi-1", "t-1"),
		mk("e3", domain.EventTransitionRejected, domain.SeverityWarning, 2*time.Second, "wi-1", "t-1"),
		mk("e4", domain.EventRuleAmbiguous, domain.SeverityWarning, 3*time.Second, "wi-2", ""),
		mk("e5", domain.EventTransition, domain.SeverityInfo, 4*time.Second, "wi-2", "t-9"),
	}
}

func ids(evts []domain.Event) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.ID)
	}
	return out
}

func runQueryCases(t *testing.T, q Querier) {
	ctx := context.Background()
	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{}, []string{"e1", "e2", "e3", "e4", "e5"}},
		{"project", Filter{ProjectID: "other"}, []string{}},
		{"work item includes tasks", Filter{EntityType: domain.EntityWorkItem, EntityID: "wi-1"}, []string{"e1", "e2", "e3"}},
		{"work item kind only", Filter{EntityType: domain.EntityWorkItem}, []string{"e1", "e4"}},
		{"task", Filter{EntityType: domain.EntityTask, EntityID: "t-1"}, []string{"e2", "e3"}},
		{"any entity id", Filter{EntityID: "t-9"}, []string{"e5"}},
		{"category", Filter{Category: domain.CategoryError}, []string{"e4"}},
		{"severity", Filter{Severity: domain.SeverityWarning}, []string{"e3", "e4"}},
		{"type", Filter{Type: domain.EventTransition}, []string{"e2", "e5"}},
		{"time range", Filter{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)}, []string{"e2", "e3", "e4"}},
		{"after seq", Filter{AfterSeq: 3}, []string{"e4", "e5"}},
		{"limit", Filter{Limit: 2}, []string{"e1", "e2"}},
		{"latest", Filter{Limit: 2, Latest: true}, []string{"e4", "e5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := q.Query(ctx, tc.f)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestSQLiteWriterAndReader(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	w := Writer{DB: conn}
	for _, e := range sampleEvents() {
		require.NoError(t, w.Persist(ctx, e))
	}

	r := Reader{DB: conn}
	runQueryCases(t, r)

	got, err := r.Query(ctx, Filter{Type: domain.EventTransitionRejected})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, base.Add(2*time.Second), got[0].Timestamp)
	assert.Equal(t, "e3", got[0].Payload["id"])
	assert.Equal(t, "s-1", got[0].SessionID)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestSQLiteWriterRejectsDuplicateID(t *testing.T) {
	conn := openDB(t)
	w := Writer{DB: conn}
	evt := sampleEvents()[0]
	require.NoError(t, w.Persist(context.Background(), evt))
	assert.Error(t, w.Persist(context.Background(), evt))
}

func TestFileSinkAppendsAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	ctx := context.Background()
	for _, e := range sampleEvents() {
		require.NoError(t, sink.Persist(ctx, e))
	}
	runQueryCases(t, sink)
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Persist(ctx, sampleEvents()[0]), os.ErrClosed)

	reopened, err := OpenFileSink(path)
	require.NoError(t, err)
	defer reopened.Close()
	extra := sampleEvents()[0]
	extra.ID = "e6"
	require.NoError(t, reopened.Persist(ctx, extra))
	got, err := reopened.Query(ctx, Filter{AfterSeq: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(6), got[0].Seq)
}

func TestFileSinkHonoursCancelledContext(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer sink.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Persist(ctx, sampleEvents()[0]), context.Canceled)
}

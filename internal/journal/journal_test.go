package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpm/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Persist(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transitionEvent(i int) domain.Event {
	return domain.Event{
		Type:    domain.EventTransition,
		Payload: map[string]any{"i": i},
	}
}

func TestEmitPersistsInOrder(t *testing.T) {
	sink := &recordingSink{}
	j := Open(sink, WithLogger(quietLogger()))
	for i := 0; i < 50; i++ {
		j.Emit(transitionEvent(i))
	}
	j.Shutdown(5 * time.Second)

	got := sink.snapshot()
	require.Len(t, got, 50)
	for i, evt := range got {
		assert.Equal(t, i, evt.Payload["i"])
	}
	stats := j.Stats()
	assert.Equal(t, uint64(50), stats.Enqueued)
	assert.Equal(t, uint64(50), stats.Persisted)
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, "stopped", stats.State)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	j := New(sink, WithCapacity(1000), WithLogger(quietLogger()))
	for i := 0; i < 2000; i++ {
		j.Emit(transitionEvent(i))
	}
	stats := j.Stats()
	require.Equal(t, uint64(1000), stats.Dropped)
	require.Equal(t, 1000, stats.Pending)

	j.Start()
	j.Shutdown(10 * time.Second)

	got := sink.snapshot()
	require.Len(t, got, 1000)
	assert.Equal(t, 0, got[0].Payload["i"])
	assert.Equal(t, 999, got[999].Payload["i"])
	assert.Equal(t, uint64(1000), j.Stats().Persisted)
}

func TestEmitStampsIdentity(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	j := Open(sink, WithClock(func() time.Time { return fixed }), WithSource("unit"), WithLogger(quietLogger()))
	j.Emit(domain.Event{Type: domain.EventRuleAmbiguous, Severity: domain.SeverityWarning})
	j.Emit(domain.Event{ID: "keep-me", Type: domain.EventSessionStarted, Source: "cli"})
	j.Shutdown(5 * time.Second)

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.Equal(t, domain.CategoryError, got[0].Category)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)
	assert.Equal(t, "unit", got[0].Source)

	assert.Equal(t, "keep-me", got[1].ID)
	assert.Equal(t, domain.SeverityInfo, got[1].Severity)
	assert.Equal(t, "cli", got[1].Source)
}

func TestInvalidEventsAreDropped(t *testing.T) {
	sink := &recordingSink{}
	j := Open(sink, WithLogger(quietLogger()))
	j.Emit(domain.Event{})
	j.Emit(domain.Event{Type: "telemetry.ping"})
	j.Emit(domain.Event{Type: domain.EventTransition, Severity: "loud"})
	j.Shutdown(5 * time.Second)

	assert.Empty(t, sink.snapshot())
	assert.Equal(t, uint64(3), j.Stats().Dropped)
}

func TestEmitAfterShutdownIsDropped(t *testing.T) {
	sink := &recordingSink{}
	j := Open(sink, WithLogger(quietLogger()))
	j.Shutdown(time.Second)
	j.Shutdown(time.Second)

	assert.NotPanics(t, func() { j.Emit(transitionEvent(1)) })
	assert.Empty(t, sink.snapshot())
	assert.Equal(t, uint64(1), j.Dropped())
	assert.Equal(t, StateStopped, j.State())
}

func TestShutdownDrainsIdleJournal(t *testing.T) {
	sink := &recordingSink{}
	j := New(sink, WithLogger(quietLogger()))
	j.Emit(transitionEvent(1))
	j.Emit(transitionEvent(2))
	j.Shutdown(5 * time.Second)

	assert.Len(t, sink.snapshot(), 2)
}

func TestFailingSinkDoesNotStopWorker(t *testing.T) {
	var mu sync.Mutex
	var kept []int
	sink := SinkFunc(func(_ context.Context, evt domain.Event) error {
		i := evt.Payload["i"].(int)
		if i%2 == 0 {
			return errors.New("disk full")
		}
		mu.Lock()
		kept = append(kept, i)
		mu.Unlock()
		return nil
	})
	j := Open(sink, WithLogger(quietLogger()))
	for i := 0; i < 10; i++ {
		j.Emit(transitionEvent(i))
	}
	j.Shutdown(5 * time.Second)

	stats := j.Stats()
	assert.Equal(t, uint64(5), stats.Failed)
	assert.Equal(t, uint64(5), stats.Persisted)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, kept)
}

func TestPanickingSinkIsRecovered(t *testing.T) {
	calls := 0
	sink := SinkFunc(func(_ context.Context, evt domain.Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})
	j := Open(sink, WithLogger(quietLogger()))
	j.Emit(transitionEvent(1))
	j.Emit(transitionEvent(2))
	j.Shutdown(5 * time.Second)

	stats := j.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Persisted)
}

func TestShutdownTimeoutAbandonsQueue(t *testing.T) {
	started := make(chan struct{}, 1)
	sink := SinkFunc(func(ctx context.Context, _ domain.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	j := Open(sink, WithPersistTimeout(0), WithLogger(quietLogger()))
	for i := 0; i < 3; i++ {
		j.Emit(transitionEvent(i))
	}
	<-started

	begin := time.Now()
	j.Shutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(begin), 2*time.Second)

	stats := j.Stats()
	assert.Equal(t, "stopped", stats.State)
	assert.Equal(t, uint64(2), stats.Abandoned)
}

func TestPersistTimeoutBoundsSlowSink(t *testing.T) {
	sink := SinkFunc(func(ctx context.Context, _ domain.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	j := Open(sink, WithPersistTimeout(10*time.Millisecond), WithLogger(quietLogger()))
	j.Emit(transitionEvent(1))
	j.Emit(transitionEvent(2))
	j.Shutdown(5 * time.Second)

	stats := j.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Zero(t, stats.Abandoned)
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 200
	sink := &recordingSink{}
	j := Open(sink, WithCapacity(producers*perProducer), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				j.Emit(domain.Event{
					Type:    domain.EventTransition,
					Payload: map[string]any{"p": p, "i": i},
				})
			}
		}(p)
	}
	wg.Wait()
	j.Shutdown(10 * time.Second)

	got := sink.snapshot()
	require.Len(t, got, producers*perProducer)
	last := make(map[int]int)
	for p := 0; p < producers; p++ {
		last[p] = -1
	}
	for _, evt := range got {
		p := evt.Payload["p"].(int)
		i := evt.Payload["i"].(int)
		require.Greater(t, i, last[p], "producer %d out of order", p)
		last[p] = i
	}
	assert.Zero(t, j.Dropped())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestShutdownAbandonsStuckPersist(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sink := SinkFunc(func(context.Context, domain.Event) error {
		close(started)
		<-release
		return nil
	})
	j := Open(sink, WithPersistTimeout(0), WithLogger(quietLogger()))
	j.Emit(transitionEvent(1))
	<-started

	j.Shutdown(20 * time.Millisecond)
	stats := j.Stats()
	assert.Equal(t, "stopped", stats.State)
	assert.Equal(t, uint64(1), stats.Abandoned)
	assert.Zero(t, stats.Persisted)

	close(release)
	select {
	case <-j.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after sink returned")
	}
	stats = j.Stats()
	assert.Zero(t, stats.Persisted)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, uint64(1), stats.Abandoned)
}

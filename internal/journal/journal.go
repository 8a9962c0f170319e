// Package journal is the asynchronous audit trail.
//
// Producers call Emit, which validates the event and attempts a
// non-blocking enqueue onto a bounded FIFO. A single background worker
// persists events one at a time through a Sink. When the queue is full the
// incoming event is dropped and counted; Emit never blocks on storage and
// never returns an error.
//
// Lifecycle:
//
//	Idle -> Running -> Draining -> Stopped
//
// Events emitted while Idle are buffered until Start. Shutdown stops intake,
// drains what is queued for up to its timeout, then cancels the worker.
// A stopped journal cannot be restarted; construct a new one.
//
// Construct one Journal per process and share it. Events are persisted in
// the order they were accepted by this instance.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentpm/internal/domain"
)

const (
	DefaultCapacity       = 1000
	DefaultPersistTimeout = 2 * time.Second
	DefaultSource         = "agentpm"

	dropLogEvery = 100
	// stopGrace is how long a timed-out Shutdown waits for the worker to
	// return from an in-flight Persist after cancelling it.
	stopGrace = 200 * time.Millisecond
)

// Sink persists a single event.
type Sink interface {
	Persist(ctx context.Context, evt domain.Event) error
}

// SinkFunc adapts a plain function into a Sink.
type SinkFunc func(ctx context.Context, evt domain.Event) error

func (f SinkFunc) Persist(ctx context.Context, evt domain.Event) error {
	return f(ctx, evt)
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// PersistenceError wraps a sink failure for one event. It is logged by the
// worker and never reaches producers.
type PersistenceError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var errSinkPanic = errors.New("sink panicked")

const (
	inflightIdle int32 = iota
	inflightBusy
	inflightAbandoned
)

// Stats is a point-in-time snapshot of the journal counters.
type Stats struct {
	State     string `json:"state"`
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Abandoned uint64 `json:"abandoned"`
}

type Option func(*Journal)

// WithCapacity sets the queue bound. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.capacity = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithPersistTimeout bounds each Sink.Persist call. Zero disables the bound.
func WithPersistTimeout(d time.Duration) Option {
	return func(j *Journal) { j.persistTimeout = d }
}

// WithSource sets the Source stamped on events that carry none.
func WithSource(source string) Option {
	return func(j *Journal) { j.source = source }
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

type Journal struct {
	sink           Sink
	capacity       int
	queue          chan domain.Event
	logger         *slog.Logger
	now            func() time.Time
	persistTimeout time.Duration
	source         string

	// mu orders Emit (read side) against state changes (write side) so no
	// event is accepted after intake has been closed.
	mu    sync.RWMutex
	state atomic.Int32

	enqueued  atomic.Uint64
	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
	// inflight is inflightIdle, inflightBusy while the worker is inside
	// Persist, or inflightAbandoned once Shutdown has given up on that call.
	inflight atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	drain    chan struct{}
	done     chan struct{}
	shutdown sync.Once
}

// New constructs an Idle journal. Call Start to launch the worker.
func New(sink Sink, opts ...Option) *Journal {
	j := &Journal{
		sink:           sink,
		capacity:       DefaultCapacity,
		logger:         slog.Default(),
		now:            time.Now,
		persistTimeout: DefaultPersistTimeout,
		source:         DefaultSource,
		drain:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.queue = make(chan domain.Event, j.capacity)
	j.ctx, j.cancel = context.WithCancel(context.Background())
	return j
}

// Open constructs and starts a journal.
func Open(sink Sink, opts ...Option) *Journal {
	j := New(sink, opts...)
	j.Start()
	return j
}

// Start launches the background worker. It is a no-op unless the journal
// is Idle.
func (j *Journal) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if State(j.state.Load()) != StateIdle {
		return
	}
	j.state.Store(int32(StateRunning))
	go j.run()
}

func (j *Journal) State() State {
	return State(j.state.Load())
}

// Emit accepts evt for asynchronous persistence. It never blocks on I/O
// and never fails: invalid events, events arriving after Shutdown began,
// and events that find the queue full are dropped and counted.
func (j *Journal) Emit(evt domain.Event) {
	if err := j.prepare(&evt); err != nil {
		j.drop(evt, err.Error())
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch State(j.state.Load()) {
	case StateIdle, StateRunning:
	default:
		j.drop(evt, "journal not accepting events")
		return
	}
	select {
	case j.queue <- evt:
		j.enqueued.Add(1)
	default:
		j.drop(evt, "queue full")
	}
}

// prepare performs structural validation and stamps missing identity.
func (j *Journal) prepare(evt *domain.Event) error {
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	category := domain.CategoryOf(evt.Type)
	if category == "" {
		return fmt.Errorf("event type %q outside taxonomy", evt.Type)
	}
	if evt.Category == "" {
		evt.Category = category
	}
	if evt.Severity == "" {
		evt.Severity = domain.SeverityInfo
	}
	if !evt.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", evt.Severity)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = j.now().UTC()
	}
	if evt.Source == "" {
		evt.Source = j.source
	}
	return nil
}

func (j *Journal) drop(evt domain.Event, reason string) {
	n := j.dropped.Add(1)
	if n == 1 || n%dropLogEvery == 0 {
		j.logger.Warn("journal: dropping event",
			"reason", reason,
			"event_type", evt.Type,
			"dropped_total", n,
		)
	}
}

// Shutdown stops intake, waits up to timeout for queued events to be
// persisted, then force-stops the worker. Events still queued after the
// timeout are abandoned, and so is an in-flight Persist that does not
// return within a short grace period after cancellation. Subsequent calls
// return immediately.
func (j *Journal) Shutdown(timeout time.Duration) {
	j.shutdown.Do(func() {
		j.mu.Lock()
		prev := State(j.state.Load())
		j.state.Store(int32(StateDraining))
		j.mu.Unlock()

		if prev == StateIdle {
			go j.run()
		}
		close(j.drain)

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-j.done:
		case <-timer.C:
			left := len(j.queue)
			j.cancel()
			j.abandoned.Add(uint64(left))
			if !j.awaitWorker() {
				left++
			}
			j.logger.Warn("journal: shutdown timed out",
				"timeout", timeout,
				"abandoned", left,
			)
		}
		j.cancel()
		j.state.Store(int32(StateStopped))
	})
}

// awaitWorker gives a cancelled worker stopGrace to exit. It reports false
// when the worker is still inside Persist, in which case that event is
// counted as abandoned and its eventual outcome is ignored.
func (j *Journal) awaitWorker() bool {
	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-j.done:
		return true
	case <-grace.C:
	}
	if j.inflight.CompareAndSwap(inflightBusy, inflightAbandoned) {
		j.abandoned.Add(1)
		return false
	}
	return true
}

// Stats returns the current counters.
func (j *Journal) Stats() Stats {
	return Stats{
		State:     j.State().String(),
		Capacity:  j.capacity,
		Pending:   len(j.queue),
		Enqueued:  j.enqueued.Load(),
		Persisted: j.persisted.Load(),
		Failed:    j.failed.Load(),
		Dropped:   j.dropped.Load(),
		Abandoned: j.abandoned.Load(),
	}
}

// Dropped returns the number of events rejected by Emit.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.ctx.Done():
			return
		case evt := <-j.queue:
			if j.ctx.Err() != nil {
				return
			}
			j.persist(evt)
		case <-j.drain:
			j.drainQueue()
			return
		}
	}
}

func (j *Journal) drainQueue() {
	for {
		if j.ctx.Err() != nil {
			return
		}
		select {
		case evt := <-j.queue:
			if j.ctx.Err() != nil {
				return
			}
			j.persist(evt)
		default:
			return
		}
	}
}

func (j *Journal) persist(evt domain.Event) {
	j.inflight.Store(inflightBusy)
	err := j.persistOne(evt)
	if !j.inflight.CompareAndSwap(inflightBusy, inflightIdle) {
		// Shutdown already counted this event as abandoned.
		return
	}
	if err == nil {
		j.persisted.Add(1)
		return
	}
	j.failed.Add(1)
	perr := &PersistenceError{EventID: evt.ID, EventType: evt.Type, Err: err}
	j.logger.Error("journal: persist failed",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"err", perr,
	)
}

func (j *Journal) persistOne(evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSinkPanic, r)
		}
	}()
	ctx := j.ctx
	if j.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.persistTimeout)
		defer cancel()
	}
	return j.sink.Persist(ctx, evt)
}

// Package engine gates entity status changes behind the lifecycle graph and
// the project's rules, and reports what happened to the audit journal.
package engine

import (
	"context"
	"log/slog"
	"time"

	"agentpm/internal/config"
	"agentpm/internal/domain"
)

// Repository is the storage the engine needs for a transition.
type Repository interface {
	GetEntity(ctx context.Context, t domain.EntityType, id string) (domain.Entity, error)
	// CommitStatus must write nothing and fail when the stored status no
	// longer equals change.From.
	CommitStatus(ctx context.Context, change domain.StatusChange) error
	ListEnabledRules(ctx context.Context, projectID string) ([]domain.Rule, error)
	// SeedRules installs catalog once per project and reports whether this
	// call did the seeding.
	SeedRules(ctx context.Context, projectID string, catalog []domain.Rule) (bool, error)
}

// Emitter receives audit events. Emit must not block.
type Emitter interface {
	Emit(evt domain.Event)
}

type noopEmitter struct{}

func (noopEmitter) Emit(domain.Event) {}

// CatalogFunc returns the default rules to seed for a project.
type CatalogFunc func(projectID string) []domain.Rule

type settings struct {
	logger  *slog.Logger
	now     func() time.Time
	catalog CatalogFunc
	source  string
}

func defaultSettings() settings {
	return settings{
		logger: slog.Default(),
		now:    time.Now,
		catalog: func(projectID string) []domain.Rule {
			return config.Default(projectID).CatalogRules(projectID)
		},
		source: "engine",
	}
}

type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCatalog overrides the rules seeded into projects that have none.
func WithCatalog(fn CatalogFunc) Option {
	return func(s *settings) {
		if fn != nil {
			s.catalog = fn
		}
	}
}

// WithSource sets the Source recorded on emitted events.
func WithSource(source string) Option {
	return func(s *settings) {
		if source != "" {
			s.source = source
		}
	}
}

type Engine struct {
	settings
	repo    Repository
	journal Emitter
}

// New builds an engine. The journal is shared for the life of the process;
// a nil journal discards events.
func New(repo Repository, journal Emitter, opts ...Option) *Engine {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if journal == nil {
		journal = noopEmitter{}
	}
	return &Engine{settings: s, repo: repo, journal: journal}
}

func (s settings) event(evtType string, severity domain.Severity, entity domain.Entity, actorID, sessionID string, payload map[string]any) domain.Event {
	evt := domain.Event{
		Type:      evtType,
		Severity:  severity,
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Source:    s.source,
		ActorID:   actorID,
		ProjectID: entity.ProjectID,
		Payload:   payload,
	}
	switch entity.Type {
	case domain.EntityWorkItem:
		evt.WorkItemID = entity.ID
	case domain.EntityTask:
		evt.TaskID = entity.ID
		evt.WorkItemID = entity.WorkItemID
	}
	return evt
}

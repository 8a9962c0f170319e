package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"agentpm/internal/config"
	"agentpm/internal/db"
	"agentpm/internal/domain"
	"agentpm/internal/engine"
	"agentpm/internal/events"
	"agentpm/internal/journal"
	"agentpm/internal/migrate"
	"agentpm/internal/repo"
)

// Options configures Open.
type Options struct {
	Workspace string
	ActorID   string
	Logger    *slog.Logger
	// Source is stamped on journal events that carry none.
	Source string
}

// Runtime holds everything one process needs: a single journal, the
// repository and the engine built on top of them.
type Runtime struct {
	Workspace string
	Config    *config.Config
	// ConfigFound is false when no agentpm.yml exists and defaults are in use.
	ConfigFound bool
	DB          *sql.DB
	Repo        repo.Repo
	Journal     *journal.Journal
	Events      events.Querier
	Engine      *engine.Engine
	Intake      *engine.Intake
	Logger      *slog.Logger
	SessionID   string
	ActorID     string

	fileSink *events.FileSink
}

// Open loads config, migrates the workspace database and starts the journal.
// Callers must Close the runtime so queued events are flushed.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	found := cfg != nil
	if !found {
		cfg = config.Default("default")
	}

	conn, err := db.Open(ctx, opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if n, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	} else if n > 0 {
		logger.Debug("applied migrations", "count", n)
	}

	rt := &Runtime{
		Workspace:   opts.Workspace,
		Config:      cfg,
		ConfigFound: found,
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Logger:      logger,
		SessionID:   uuid.NewString(),
		ActorID:     opts.ActorID,
	}

	var sink journal.Sink = events.Writer{DB: conn}
	rt.Events = events.Reader{DB: conn}
	if cfg.Journal.Sink == config.SinkJSONL {
		path := cfg.Journal.JSONLPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspaceRoot(opts.Workspace), path)
		}
		fs, err := events.OpenFileSink(path)
		if err != nil {
			conn.Close()
			return nil, err
		}
		rt.fileSink = fs
		sink = fs
		rt.Events = fs
	}

	source := opts.Source
	if source == "" {
		source = journal.DefaultSource
	}
	rt.Journal = journal.Open(sink,
		journal.WithCapacity(cfg.Journal.Capacity),
		journal.WithPersistTimeout(cfg.Journal.PersistTimeout),
		journal.WithLogger(logger.With("component", "journal")),
		journal.WithSource(source),
	)
	rt.Engine = engine.New(rt.Repo, rt.Journal,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithCatalog(cfg.CatalogRules),
	)
	rt.Intake = engine.NewIntake(rt.Repo, rt.Journal,
		engine.WithLogger(logger.With("component", "intake")),
	)

	rt.Journal.Emit(domain.Event{
		Type:      domain.EventSessionStarted,
		Severity:  domain.SeverityInfo,
		SessionID: rt.SessionID,
		ActorID:   rt.ActorID,
		Payload:   map[string]any{"workspace": workspaceRoot(opts.Workspace)},
	})
	return rt, nil
}

// Close emits session.ended, drains the journal within the configured
// shutdown timeout and releases the database.
func (rt *Runtime) Close() error {
	rt.Journal.Emit(domain.Event{
		Type:      domain.EventSessionEnded,
		Severity:  domain.SeverityInfo,
		SessionID: rt.SessionID,
		ActorID:   rt.ActorID,
	})
	rt.Journal.Shutdown(rt.Config.Journal.ShutdownTimeout)
	st := rt.Journal.Stats()
	if st.Dropped > 0 || st.Abandoned > 0 || st.Failed > 0 {
		rt.Logger.Warn("journal closed with losses",
			"dropped", st.Dropped, "abandoned", st.Abandoned, "failed", st.Failed)
	}
	var firstErr error
	if rt.fileSink != nil {
		firstErr = rt.fileSink.Close()
	}
	if err := rt.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ShutdownTimeout is how long Close waits for the journal to drain.
func (rt *Runtime) ShutdownTimeout() time.Duration {
	return rt.Config.Journal.ShutdownTimeout
}

func workspaceRoot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

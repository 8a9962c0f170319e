package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentpm/internal/config"
	"agentpm/internal/domain"
	"agentpm/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	rt, err := Open(ctx, Options{Workspace: ws, ActorID: "alice", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rt.ConfigFound {
		t.Fatalf("expected defaults")
	}
	if _, err := rt.ResolveProject(ctx, ""); err == nil {
		t.Fatalf("expected error with no project")
	}
	p, err := rt.ResolveProject(ctx, "demo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID != "demo" {
		t.Fatalf("project: %+v", p)
	}
	again, err := rt.ResolveProject(ctx, "")
	if err != nil || again.ID != "demo" {
		t.Fatalf("single project: %+v %v", again, err)
	}
	session := rt.SessionID
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt2, err := Open(ctx, Options{Workspace: ws, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt2.Close()
	evts, err := rt2.Events.Query(ctx, events.Filter{SessionID: session})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{domain.EventSessionStarted, domain.EventSessionEnded}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("session events: got %v want %v", types, want)
	}
	created, err := rt2.Events.Query(ctx, events.Filter{ProjectID: "demo", Type: domain.EventEntityCreated})
	if err != nil || len(created) != 1 || created[0].ActorID != "alice" {
		t.Fatalf("project creation event: %+v %v", created, err)
	}
}

func TestOpenWithJSONLSink(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	if _, err := config.WriteDefault(ws, "shop"); err != nil {
		t.Fatalf("write config: %v", err)
	}
	data, err := os.ReadFile(config.Path(ws))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	data = []byte(strings.Replace(string(data), "sink: sqlite", "sink: jsonl\n  jsonl_path: audit.jsonl", 1))
	if err := os.WriteFile(config.Path(ws), data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	rt, err := Open(ctx, Options{Workspace: ws, ActorID: "bob", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p, err := rt.ResolveProject(ctx, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID != "shop" {
		t.Fatalf("config project not used: %+v", p)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ws, "audit.jsonl"))
	if err != nil {
		t.Fatalf("read jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 events, got %d:\n%s", len(lines), raw)
	}
	if !strings.Contains(lines[0], domain.EventSessionStarted) || !strings.Contains(lines[2], domain.EventSessionEnded) {
		t.Fatalf("unexpected order:\n%s", raw)
	}
}

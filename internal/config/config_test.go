package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentpm/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Journal.Capacity != 1000 {
		t.Fatalf("capacity = %d", cfg.Journal.Capacity)
	}
	if cfg.Journal.ShutdownTimeout != 5*time.Second {
		t.Fatalf("shutdown timeout = %s", cfg.Journal.ShutdownTimeout)
	}
	rules := cfg.CatalogRules("proj-1")
	if len(rules) != len(cfg.Rules.Catalog) || len(rules) == 0 {
		t.Fatalf("catalog rules = %d", len(rules))
	}
	var dp001 *domain.Rule
	for i := range rules {
		if rules[i].Code == "DP-001" {
			dp001 = &rules[i]
		}
		if !rules[i].Enabled {
			t.Fatalf("rule %s should default to enabled", rules[i].Code)
		}
		if rules[i].ProjectID != "proj-1" || rules[i].ID != "proj-1:"+rules[i].Code {
			t.Fatalf("rule %s not scoped: %+v", rules[i].Code, rules[i])
		}
	}
	if dp001 == nil {
		t.Fatalf("DP-001 missing from default catalog")
	}
	if dp001.Level != domain.LevelBlock || dp001.Descriptor.Kind != domain.DescriptorThreshold {
		t.Fatalf("DP-001 = %+v", dp001)
	}
	if dp001.Descriptor.Threshold == nil || dp001.Descriptor.Threshold.Op != ">" {
		t.Fatalf("DP-001 threshold = %+v", dp001.Descriptor.Threshold)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"missing project": "journal: {capacity: 10}\n",
		"bad sink":        "project: {id: p}\njournal: {sink: kafka}\n",
		"jsonl no path":   "project: {id: p}\njournal: {sink: jsonl}\n",
		"bad level":       "project: {id: p}\nrules:\n  catalog:\n    - {code: X-1, level: MAYBE}\n",
		"duplicate code":  "project: {id: p}\nrules:\n  catalog:\n    - {code: X-1, level: BLOCK}\n    - {code: X-1, level: GUIDE}\n",
		"bad target":      "project: {id: p}\nrules:\n  catalog:\n    - {code: X-1, level: BLOCK, targets: [finished]}\n",
		"bad base path":   "project: {id: p}\nserver: {base_path: v1}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestUnknownDescriptorStillLoads(t *testing.T) {
	doc := "project: {id: p}\nrules:\n  catalog:\n    - code: X-9\n      level: BLOCK\n      descriptor: {kind: regex}\n"
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Rules.Catalog[0].Descriptor.Kind; got != "regex" {
		t.Fatalf("kind = %q", got)
	}
}

func TestWriteDefaultAndLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOptional(dir); err != nil {
		t.Fatalf("load optional on empty workspace: %v", err)
	}
	wrote, err := WriteDefault(dir, "demo")
	if err != nil || !wrote {
		t.Fatalf("write default: wrote=%v err=%v", wrote, err)
	}
	wrote, err = WriteDefault(dir, "other")
	if err != nil || wrote {
		t.Fatalf("second write should be skipped: wrote=%v err=%v", wrote, err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project = %q", cfg.Project.ID)
	}
	if err := os.WriteFile(filepath.Join(dir, "agentpm.yml"), []byte("project: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptional(dir); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentpm/internal/domain"
)

const (
	DefaultJournalCapacity = 1000
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPersistTimeout  = 2 * time.Second
	DefaultServerAddr      = "127.0.0.1:8787"
	DefaultBasePath        = "/v1"

	SinkSQLite = "sqlite"
	SinkJSONL  = "jsonl"
)

// Config models agentpm.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Journal JournalConfig `yaml:"journal"`
	Server  ServerConfig  `yaml:"server"`
	Rules   struct {
		Catalog []RuleSpec `yaml:"catalog"`
	} `yaml:"rules"`
}

type JournalConfig struct {
	Capacity        int           `yaml:"capacity"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	Sink            string        `yaml:"sink"`
	JSONLPath       string        `yaml:"jsonl_path"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	BasePath         string `yaml:"base_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	AllowActorHeader bool   `yaml:"allow_actor_header"`
}

// RuleSpec is the YAML form of a catalog rule.
type RuleSpec struct {
	Code       string                  `yaml:"code"`
	Name       string                  `yaml:"name"`
	Category   string                  `yaml:"category"`
	Level      domain.EnforcementLevel `yaml:"level"`
	Descriptor domain.Descriptor       `yaml:"descriptor"`
	Params     map[string]any          `yaml:"params"`
	AppliesTo  []domain.EntityType     `yaml:"applies_to"`
	Kinds      []string                `yaml:"kinds"`
	Targets    []domain.Status         `yaml:"targets"`
	Enabled    *bool                   `yaml:"enabled"`
}

// Rule converts the catalog entry into a project-scoped rule record. Rules are
// enabled unless the entry says otherwise.
func (s RuleSpec) Rule(projectID string) domain.Rule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return domain.Rule{
		ID:         projectID + ":" + s.Code,
		ProjectID:  projectID,
		Code:       s.Code,
		Name:       s.Name,
		Category:   s.Category,
		Level:      s.Level,
		Descriptor: s.Descriptor,
		Params:     s.Params,
		AppliesTo:  s.AppliesTo,
		Kinds:      s.Kinds,
		Targets:    s.Targets,
		Enabled:    enabled,
	}
}

// CatalogRules returns the configured catalog as rules for projectID.
func (c *Config) CatalogRules(projectID string) []domain.Rule {
	out := make([]domain.Rule, 0, len(c.Rules.Catalog))
	for _, spec := range c.Rules.Catalog {
		out = append(out, spec.Rule(projectID))
	}
	return out
}

// applyDefaults fills zero values after decoding.
func (c *Config) applyDefaults() {
	if c.Journal.Capacity == 0 {
		c.Journal.Capacity = DefaultJournalCapacity
	}
	if c.Journal.ShutdownTimeout == 0 {
		c.Journal.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Journal.PersistTimeout == 0 {
		c.Journal.PersistTimeout = DefaultPersistTimeout
	}
	if c.Journal.Sink == "" {
		c.Journal.Sink = SinkSQLite
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Journal.Capacity < 1 {
		return fmt.Errorf("config.journal.capacity must be positive")
	}
	if c.Journal.ShutdownTimeout < 0 || c.Journal.PersistTimeout < 0 {
		return fmt.Errorf("config.journal timeouts must not be negative")
	}
	switch c.Journal.Sink {
	case SinkSQLite:
	case SinkJSONL:
		if strings.TrimSpace(c.Journal.JSONLPath) == "" {
			return fmt.Errorf("config.journal.jsonl_path is required for sink %s", SinkJSONL)
		}
	default:
		return fmt.Errorf("config.journal.sink must be %s or %s", SinkSQLite, SinkJSONL)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	seen := map[string]bool{}
	for i, spec := range c.Rules.Catalog {
		if spec.Code == "" {
			return fmt.Errorf("rules.catalog[%d]: code is required", i)
		}
		if seen[spec.Code] {
			return fmt.Errorf("rules.catalog: duplicate code %s", spec.Code)
		}
		seen[spec.Code] = true
		if !spec.Level.Valid() {
			return fmt.Errorf("rule %s: unknown level %q", spec.Code, spec.Level)
		}
		for _, et := range spec.AppliesTo {
			if et != domain.EntityWorkItem && et != domain.EntityTask {
				return fmt.Errorf("rule %s: unknown entity type %q", spec.Code, et)
			}
		}
		for _, st := range spec.Targets {
			if !st.Valid() {
				return fmt.Errorf("rule %s: unknown target status %q", spec.Code, st)
			}
		}
		// Descriptor shapes are not checked: unrecognized shapes load and
		// are reported by the evaluator.
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentpm.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with apm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default config for projectID unless a config
// file already exists. It reports whether a file was written.
func WriteDefault(workspace, projectID string) (bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(GenerateDefault(projectID)), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

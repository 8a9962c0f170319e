package domain

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Event categories are the prefix of the event type.
const (
	CategoryWorkflow  = "workflow"
	CategoryTool      = "tool"
	CategoryDecision  = "decision"
	CategoryReasoning = "reasoning"
	CategoryError     = "error"
	CategorySession   = "session"
)

var eventCategories = []string{
	CategoryWorkflow, CategoryTool, CategoryDecision,
	CategoryReasoning, CategoryError, CategorySession,
}

const (
	EventTransition         = "workflow.transition"
	EventTransitionRejected = "workflow.transition_rejected"
	EventEntityCreated      = "workflow.entity_created"
	EventRulesSeeded        = "workflow.rules_seeded"
	EventRuleAmbiguous      = "error.rule_ambiguous"
	EventRuleSeeding        = "error.rule_seeding"
	EventSessionStarted     = "session.started"
	EventSessionEnded       = "session.ended"
)

// CategoryOf returns the taxonomy category of an event type, or "" when the
// type is outside the closed taxonomy.
func CategoryOf(eventType string) string {
	prefix, rest, ok := strings.Cut(eventType, ".")
	if !ok || rest == "" {
		return ""
	}
	for _, c := range eventCategories {
		if prefix == c {
			return c
		}
	}
	return ""
}

// Event is an immutable audit record. Seq is assigned by the sink on
// persist and is zero until then.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq,omitempty"`
	Type       string         `json:"type"`
	Category   string         `json:"category"`
	Severity   Severity       `json:"severity"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
}

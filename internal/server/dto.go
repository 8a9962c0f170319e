package server

import (
	"time"

	"agentpm/internal/domain"
	"agentpm/internal/engine"
	"agentpm/internal/journal"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id" minLength:"1"`
	Name string `json:"name,omitempty"`
}

type CreateWorkItemRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type,omitempty" enum:"feature,analysis,objective,research"`
	Phase       string         `json:"phase,omitempty" enum:"discovery,plan,implementation,review,operations,evolution"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Priority    int            `json:"priority,omitempty" minimum:"0" maximum:"5"`
	EffortHours float64        `json:"effort_hours,omitempty" minimum:"0"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type CreateTaskRequest struct {
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty" enum:"design,implementation,testing,documentation,bugfix,refactoring,analysis,deployment"`
	Priority      int            `json:"priority,omitempty" minimum:"0" maximum:"5"`
	EffortHours   float64        `json:"effort_hours,omitempty" minimum:"0"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type TransitionRequest struct {
	Target    string         `json:"target" enum:"draft,ready,active,review,done,archived,blocked,cancelled"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on" minLength:"1"`
}

type SetRuleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// Responses

type HealthResponse struct {
	Status  string        `json:"status" example:"ok"`
	Journal journal.Stats `json:"journal"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type WorkItemResponse struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase,omitempty"`
	Priority    int            `json:"priority"`
	EffortHours float64        `json:"effort_hours"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type TaskResponse struct {
	ID              string         `json:"id"`
	WorkItemID      string         `json:"work_item_id"`
	ProjectID       string         `json:"project_id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"`
	EffortHours     float64        `json:"effort_hours"`
	AssignedAgent   string         `json:"assigned_agent,omitempty"`
	BlockingReasons []string       `json:"blocking_reasons"`
	DependsOn       []string       `json:"depends_on"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

type TransitionResponse struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Committed   bool              `json:"committed"`
	NoOp        bool              `json:"no_op"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Warnings    []string          `json:"warnings"`
	Guidance    []string          `json:"guidance"`
	Findings    []string          `json:"findings"`
	Enrichments map[string]string `json:"enrichments,omitempty"`
}

type AllowedTransitionsResponse struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Current    string   `json:"current"`
	Allowed    []string `json:"allowed"`
}

type RuleResponse struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Level      string            `json:"level"`
	Descriptor domain.Descriptor `json:"descriptor"`
	Params     map[string]any    `json:"params,omitempty"`
	AppliesTo  []string          `json:"applies_to"`
	Kinds      []string          `json:"kinds"`
	Targets    []string          `json:"targets"`
	Enabled    bool              `json:"enabled"`
}

type SeedRulesResponse struct {
	Seeded bool `json:"seeded"`
	Count  int  `json:"count"`
}

type EventResponse struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Category   string         `json:"category"`
	Severity   string         `json:"severity"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Source     string         `json:"source,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
	// NextAfterSeq resumes the listing when more events may exist.
	NextAfterSeq int64 `json:"next_after_seq,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, Status: p.Status, CreatedAt: formatTime(p.CreatedAt)}
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	out := WorkItemResponse{
		ID:          w.ID,
		ProjectID:   w.ProjectID,
		ParentID:    strPtrValue(w.ParentID),
		Name:        w.Name,
		Type:        string(w.Type),
		Status:      string(w.Status),
		Priority:    w.Priority,
		EffortHours: w.EffortHours,
		Metadata:    w.Metadata,
		CreatedAt:   formatTime(w.CreatedAt),
		UpdatedAt:   formatTime(w.UpdatedAt),
	}
	if w.Phase != nil {
		out.Phase = string(*w.Phase)
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		WorkItemID:      t.WorkItemID,
		ProjectID:       t.ProjectID,
		Name:            t.Name,
		Type:            string(t.Type),
		Status:          string(t.Status),
		Priority:        t.Priority,
		EffortHours:     t.EffortHours,
		AssignedAgent:   strPtrValue(t.AssignedAgent),
		BlockingReasons: nonNilStrings(t.BlockingReasons),
		DependsOn:       nonNilStrings(t.DependsOn),
		Metadata:        t.Metadata,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
}

func transitionResponse(et domain.EntityType, id string, res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		EntityType:  string(et),
		EntityID:    id,
		Committed:   res.Committed,
		NoOp:        res.NoOp,
		From:        string(res.From),
		To:          string(res.To),
		Warnings:    nonNilStrings(res.Warnings),
		Guidance:    nonNilStrings(res.Guidance),
		Findings:    nonNilStrings(res.Findings),
		Enrichments: res.Enrichments,
	}
}

func ruleResponse(r domain.Rule) RuleResponse {
	out := RuleResponse{
		ID:         r.ID,
		Code:       r.Code,
		Name:       r.Name,
		Category:   r.Category,
		Level:      string(r.Level),
		Descriptor: r.Descriptor,
		Params:     r.Params,
		AppliesTo:  []string{},
		Kinds:      nonNilStrings(r.Kinds),
		Targets:    []string{},
		Enabled:    r.Enabled,
	}
	for _, et := range r.AppliesTo {
		out.AppliesTo = append(out.AppliesTo, string(et))
	}
	for _, st := range r.Targets {
		out.Targets = append(out.Targets, string(st))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Seq:        e.Seq,
		Type:       e.Type,
		Category:   e.Category,
		Severity:   string(e.Severity),
		SessionID:  e.SessionID,
		Timestamp:  formatTime(e.Timestamp),
		Source:     e.Source,
		ActorID:    e.ActorID,
		ProjectID:  e.ProjectID,
		WorkItemID: e.WorkItemID,
		TaskID:     e.TaskID,
		Payload:    e.Payload,
	}
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

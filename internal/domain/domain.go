package domain

import "time"

// EntityType names the kinds of records that move through the lifecycle.
type EntityType string

const (
	EntityWorkItem EntityType = "work_item"
	EntityTask     EntityType = "task"
)

// ParseEntityType accepts the canonical names plus the dashed/short forms used
// on the command line and in URLs.
func ParseEntityType(s string) (EntityType, bool) {
	switch s {
	case "work_item", "work-item", "workitem", "work-items", "wi":
		return EntityWorkItem, true
	case "task", "tasks":
		return EntityTask, true
	}
	return "", false
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusActive    Status = "active"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
	StatusArchived  Status = "archived"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDraft, StatusReady, StatusActive, StatusReview,
	StatusDone, StatusArchived, StatusBlocked, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type WorkItemType string

const (
	WorkItemFeature   WorkItemType = "feature"
	WorkItemAnalysis  WorkItemType = "analysis"
	WorkItemObjective WorkItemType = "objective"
	WorkItemResearch  WorkItemType = "research"
)

func (t WorkItemType) Valid() bool {
	switch t {
	case WorkItemFeature, WorkItemAnalysis, WorkItemObjective, WorkItemResearch:
		return true
	}
	return false
}

type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhasePlan           Phase = "plan"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseOperations     Phase = "operations"
	PhaseEvolution      Phase = "evolution"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseDiscovery, PhasePlan, PhaseImplementation, PhaseReview, PhaseOperations, PhaseEvolution:
		return true
	}
	return false
}

type TaskType string

const (
	TaskDesign         TaskType = "design"
	TaskImplementation TaskType = "implementation"
	TaskTesting        TaskType = "testing"
	TaskDocumentation  TaskType = "documentation"
	TaskBugfix         TaskType = "bugfix"
	TaskRefactoring    TaskType = "refactoring"
	TaskAnalysis       TaskType = "analysis"
	TaskDeployment     TaskType = "deployment"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskDesign, TaskImplementation, TaskTesting, TaskDocumentation,
		TaskBugfix, TaskRefactoring, TaskAnalysis, TaskDeployment:
		return true
	}
	return false
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkItem is a deliverable container. Metadata holds business value,
// ownership and scope; the engine only reads it.
type WorkItem struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Name        string         `json:"name"`
	Type        WorkItemType   `json:"type"`
	Status      Status         `json:"status"`
	Phase       *Phase         `json:"phase,omitempty"`
	Priority    int            `json:"priority"`
	EffortHours float64        `json:"effort_hours"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Task is a leaf unit of work owned by exactly one WorkItem.
type Task struct {
	ID              string         `json:"id"`
	WorkItemID      string         `json:"work_item_id"`
	ProjectID       string         `json:"project_id"`
	Name            string         `json:"name"`
	Type            TaskType       `json:"type"`
	Status          Status         `json:"status"`
	Priority        int            `json:"priority"`
	EffortHours     float64        `json:"effort_hours"`
	AssignedAgent   *string        `json:"assigned_agent,omitempty"`
	BlockingReasons []string       `json:"blocking_reasons,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Entity is the snapshot of a WorkItem or Task handed to the state machine
// and the rule evaluator. DependencyStatuses is filled by the repository so
// rules never need to perform I/O.
type Entity struct {
	Type               EntityType        `json:"type"`
	ID                 string            `json:"id"`
	ProjectID          string            `json:"project_id"`
	WorkItemID         string            `json:"work_item_id,omitempty"`
	Kind               string            `json:"kind"`
	Status             Status            `json:"status"`
	Phase              *Phase            `json:"phase,omitempty"`
	Priority           int               `json:"priority"`
	EffortHours        float64           `json:"effort_hours"`
	AssignedAgent      *string           `json:"assigned_agent,omitempty"`
	BlockingReasons    []string          `json:"blocking_reasons,omitempty"`
	DependencyStatuses map[string]Status `json:"dependency_statuses,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// Snapshot converts a WorkItem to its engine view.
func (w WorkItem) Snapshot() Entity {
	return Entity{
		Type:        EntityWorkItem,
		ID:          w.ID,
		ProjectID:   w.ProjectID,
		Kind:        string(w.Type),
		Status:      w.Status,
		Phase:       w.Phase,
		Priority:    w.Priority,
		EffortHours: w.EffortHours,
		Metadata:    w.Metadata,
	}
}

// Snapshot converts a Task to its engine view. Dependency statuses are left
// for the caller to fill in.
func (t Task) Snapshot() Entity {
	return Entity{
		Type:            EntityTask,
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		WorkItemID:      t.WorkItemID,
		Kind:            string(t.Type),
		Status:          t.Status,
		Priority:        t.Priority,
		EffortHours:     t.EffortHours,
		AssignedAgent:   t.AssignedAgent,
		BlockingReasons: t.BlockingReasons,
		Metadata:        t.Metadata,
	}
}

// StatusChange is a validated status move handed to the repository for
// commit. From is the status the engine read; the commit must fail if the
// stored status no longer matches it.
type StatusChange struct {
	EntityType EntityType
	ID         string
	From       Status
	To         Status
	// BlockingReason is appended to a task's blocking reasons when To is
	// blocked. Leaving blocked clears the list.
	BlockingReason string
	// Enrichments are merged into the entity's metadata under "enrichments".
	Enrichments map[string]string
	At          time.Time
}

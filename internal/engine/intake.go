package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentpm/internal/domain"
)

// Store is the storage needed to create entities on top of Repository.
type Store interface {
	Repository
	EnsureProject(ctx context.Context, p domain.Project) (bool, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	InsertWorkItem(ctx context.Context, w domain.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error)
	SetWorkItemParent(ctx context.Context, id string, parentID *string) error
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	DependencyGraph(ctx context.Context, workItemID string) (map[string][]string, error)
}

// Intake creates projects, work items and tasks. New entities start in
// draft; every later status change goes through Engine.Transition.
type Intake struct {
	settings
	store   Store
	journal Emitter
}

func NewIntake(store Store, journal Emitter, opts ...Option) *Intake {
	s := defaultSettings()
	s.source = "intake"
	for _, opt := range opts {
		opt(&s)
	}
	if journal == nil {
		journal = noopEmitter{}
	}
	return &Intake{settings: s, store: store, journal: journal}
}

// EnsureProject creates the project if it does not exist yet.
func (in *Intake) EnsureProject(ctx context.Context, id, name, actorID string) (domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, invalid("project_id", "required")
	}
	if name == "" {
		name = id
	}
	p := domain.Project{ID: id, Name: name, Status: "active", CreatedAt: in.now().UTC()}
	created, err := in.store.EnsureProject(ctx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("ensure project %s: %w", id, err)
	}
	if created {
		in.journal.Emit(domain.Event{
			Type:      domain.EventEntityCreated,
			Severity:  domain.SeverityInfo,
			Timestamp: p.CreatedAt,
			Source:    in.source,
			ActorID:   actorID,
			ProjectID: id,
			Payload:   map[string]any{"entity_type": "project", "entity_id": id, "name": name},
		})
	}
	return in.store.GetProject(ctx, id)
}

type WorkItemInput struct {
	ProjectID   string
	ParentID    string
	Name        string
	Type        domain.WorkItemType
	Phase       domain.Phase
	Priority    int
	EffortHours float64
	Metadata    map[string]any
	ActorID     string
	SessionID   string
}

func (in *Intake) CreateWorkItem(ctx context.Context, input WorkItemInput) (domain.WorkItem, error) {
	if strings.TrimSpace(input.Name) == "" {
		return domain.WorkItem{}, invalid("name", "required")
	}
	if input.Type == "" {
		input.Type = domain.WorkItemFeature
	}
	if !input.Type.Valid() {
		return domain.WorkItem{}, invalid("type", "unknown work item type %q", input.Type)
	}
	if input.Phase != "" && !input.Phase.Valid() {
		return domain.WorkItem{}, invalid("phase", "unknown phase %q", input.Phase)
	}
	priority, err := priorityOrDefault(input.Priority)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if input.EffortHours < 0 {
		return domain.WorkItem{}, invalid("effort_hours", "must not be negative")
	}
	if _, err := in.store.GetProject(ctx, input.ProjectID); err != nil {
		return domain.WorkItem{}, fmt.Errorf("project %s: %w", input.ProjectID, err)
	}

	now := in.now().UTC()
	w := domain.WorkItem{
		ID:          uuid.NewString(),
		ProjectID:   input.ProjectID,
		Name:        strings.TrimSpace(input.Name),
		Type:        input.Type,
		Status:      domain.StatusDraft,
		Priority:    priority,
		EffortHours: input.EffortHours,
		Metadata:    input.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if input.ParentID != "" {
		parent := input.ParentID
		w.ParentID = &parent
	}
	if input.Phase != "" {
		phase := input.Phase
		w.Phase = &phase
	}
	if err := in.store.InsertWorkItem(ctx, w); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	in.journal.Emit(in.event(domain.EventEntityCreated, domain.SeverityInfo, w.Snapshot(), input.ActorID, input.SessionID, map[string]any{
		"entity_type": string(domain.EntityWorkItem),
		"entity_id":   w.ID,
		"name":        w.Name,
		"kind":        string(w.Type),
	}))
	return w, nil
}

// MoveWorkItem re-parents a work item; a nil parent makes it top level.
func (in *Intake) MoveWorkItem(ctx context.Context, id string, parentID *string) (domain.WorkItem, error) {
	if err := in.store.SetWorkItemParent(ctx, id, parentID); err != nil {
		return domain.WorkItem{}, err
	}
	return in.store.GetWorkItem(ctx, id)
}

type TaskInput struct {
	WorkItemID    string
	Name          string
	Type          domain.TaskType
	Priority      int
	EffortHours   float64
	AssignedAgent string
	DependsOn     []string
	Metadata      map[string]any
	ActorID       string
	SessionID     string
}

func (in *Intake) CreateTask(ctx context.Context, input TaskInput) (domain.Task, error) {
	if strings.TrimSpace(input.Name) == "" {
		return domain.Task{}, invalid("name", "required")
	}
	if input.Type == "" {
		input.Type = domain.TaskImplementation
	}
	if !input.Type.Valid() {
		return domain.Task{}, invalid("type", "unknown task type %q", input.Type)
	}
	priority, err := priorityOrDefault(input.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	if input.EffortHours < 0 {
		return domain.Task{}, invalid("effort_hours", "must not be negative")
	}
	wi, err := in.store.GetWorkItem(ctx, input.WorkItemID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("work item %s: %w", input.WorkItemID, err)
	}
	seen := map[string]bool{}
	for _, dep := range input.DependsOn {
		if seen[dep] {
			return domain.Task{}, invalid("depends_on", "duplicate dependency %s", dep)
		}
		seen[dep] = true
		if err := in.sameWorkItem(ctx, dep, wi.ID); err != nil {
			return domain.Task{}, err
		}
	}

	now := in.now().UTC()
	t := domain.Task{
		ID:          uuid.NewString(),
		WorkItemID:  wi.ID,
		ProjectID:   wi.ProjectID,
		Name:        strings.TrimSpace(input.Name),
		Type:        input.Type,
		Status:      domain.StatusDraft,
		Priority:    priority,
		EffortHours: input.EffortHours,
		DependsOn:   input.DependsOn,
		Metadata:    input.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if input.AssignedAgent != "" {
		agent := input.AssignedAgent
		t.AssignedAgent = &agent
	}
	if err := in.store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	in.journal.Emit(in.event(domain.EventEntityCreated, domain.SeverityInfo, t.Snapshot(), input.ActorID, input.SessionID, map[string]any{
		"entity_type": string(domain.EntityTask),
		"entity_id":   t.ID,
		"name":        t.Name,
		"kind":        string(t.Type),
		"depends_on":  nonNil(t.DependsOn),
	}))
	return t, nil
}

// AddDependency makes taskID depend on dependsOnID. Both tasks must share a
// work item and the new edge must not close a cycle.
func (in *Intake) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("task %s cannot depend on itself: %w", taskID, ErrDependencyCycle)
	}
	t, err := in.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if err := in.sameWorkItem(ctx, dependsOnID, t.WorkItemID); err != nil {
		return err
	}
	graph, err := in.store.DependencyGraph(ctx, t.WorkItemID)
	if err != nil {
		return err
	}
	if reaches(graph, dependsOnID, taskID) {
		return fmt.Errorf("%s -> %s: %w", taskID, dependsOnID, ErrDependencyCycle)
	}
	return in.store.AddDependency(ctx, taskID, dependsOnID)
}

func (in *Intake) sameWorkItem(ctx context.Context, taskID, workItemID string) error {
	dep, err := in.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dependency %s: %w", taskID, err)
	}
	if dep.WorkItemID != workItemID {
		return invalid("depends_on", "task %s belongs to work item %s", taskID, dep.WorkItemID)
	}
	return nil
}

// reaches reports whether target is reachable from start along graph edges.
func reaches(graph map[string][]string, start, target string) bool {
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, graph[n]...)
	}
	return false
}

func priorityOrDefault(p int) (int, error) {
	if p == 0 {
		return 3, nil
	}
	if p < 1 || p > 5 {
		return 0, invalid("priority", "must be between 1 and 5")
	}
	return p, nil
}

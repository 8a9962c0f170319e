package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentpm/internal/db"
	"agentpm/internal/domain"
	"agentpm/internal/migrate"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	for _, id := range []string{"p1", "p2"} {
		if err := r.InsertProject(context.Background(), domain.Project{ID: id, Name: id, Status: "active", CreatedAt: t0}); err != nil {
			t.Fatalf("insert project: %v", err)
		}
	}
	return r
}

func workItem(id, project string, parent *string) domain.WorkItem {
	phase := domain.PhaseDiscovery
	return domain.WorkItem{
		ID: id, ProjectID: project, ParentID: parent, Name: "wi " + id,
		Type: domain.WorkItemFeature, Status: domain.StatusDraft, Phase: &phase,
		Priority: 2, EffortHours: 12, Metadata: map[string]any{"business_value": "faster triage"},
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func task(id, wi string, status domain.Status, deps ...string) domain.Task {
	return domain.Task{
		ID: id, WorkItemID: wi, ProjectID: "p1", Name: "task " + id,
		Type: domain.TaskImplementation, Status: status, Priority: 3, EffortHours: 2,
		DependsOn: deps, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestProjects(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.EnsureProject(ctx, domain.Project{ID: "p1", Name: "dup", Status: "active", CreatedAt: t0})
	if err != nil || created {
		t.Fatalf("ensure existing: created=%v err=%v", created, err)
	}
	p, err := r.GetProject(ctx, "p1")
	if err != nil || p.Name != "p1" || !p.CreatedAt.Equal(t0) {
		t.Fatalf("get project: %+v %v", p, err)
	}
	if _, err := r.GetProject(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.SingleProject(ctx); err == nil {
		t.Fatalf("expected multiple projects error")
	}
}

func TestWorkItemTree(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	root := workItem("root", "p1", nil)
	if err := r.InsertWorkItem(ctx, root); err != nil {
		t.Fatalf("insert root: %v", err)
	}
	rootID := "root"
	if err := r.InsertWorkItem(ctx, workItem("child", "p1", &rootID)); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	missing := "ghost"
	if err := r.InsertWorkItem(ctx, workItem("orphan", "p1", &missing)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing parent, got %v", err)
	}
	if err := r.InsertWorkItem(ctx, workItem("foreign", "p2", &rootID)); !errors.Is(err, ErrCrossProject) {
		t.Fatalf("expected cross-project parent, got %v", err)
	}
	if err := r.InsertWorkItem(ctx, workItem("other", "p2", nil)); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	if err := r.SetWorkItemParent(ctx, "other", &rootID); !errors.Is(err, ErrCrossProject) {
		t.Fatalf("expected cross-project move to fail, got %v", err)
	}

	got, err := r.GetWorkItem(ctx, "child")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if got.ParentID == nil || *got.ParentID != "root" || got.Phase == nil || *got.Phase != domain.PhaseDiscovery {
		t.Fatalf("child = %+v", got)
	}
	if got.Metadata["business_value"] != "faster triage" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	childID := "child"
	if err := r.SetWorkItemParent(ctx, "root", &childID); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if err := r.SetWorkItemParent(ctx, "child", nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	children, err := r.ListWorkItems(ctx, WorkItemFilters{ParentID: "root"})
	if err != nil || len(children) != 0 {
		t.Fatalf("children after detach = %v %v", children, err)
	}
}

func TestDeleteWorkItemRequiresNoDependents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertWorkItem(ctx, workItem("wi", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTask(ctx, task("t1", "wi", domain.StatusDraft)); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteWorkItem(ctx, "wi"); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("expected dependents error, got %v", err)
	}
	if err := r.InsertWorkItem(ctx, workItem("lonely", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteWorkItem(ctx, "lonely"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteWorkItem(ctx, "lonely"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTaskEntitySnapshotCarriesDependencyStatuses(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertWorkItem(ctx, workItem("wi", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	for _, tk := range []domain.Task{
		task("a", "wi", domain.StatusDone),
		task("b", "wi", domain.StatusActive),
		task("c", "wi", domain.StatusDraft, "a", "b"),
	} {
		if err := r.InsertTask(ctx, tk); err != nil {
			t.Fatalf("insert %s: %v", tk.ID, err)
		}
	}
	e, err := r.GetEntity(ctx, domain.EntityTask, "c")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if e.WorkItemID != "wi" || e.Kind != "implementation" {
		t.Fatalf("entity = %+v", e)
	}
	if e.DependencyStatuses["a"] != domain.StatusDone || e.DependencyStatuses["b"] != domain.StatusActive {
		t.Fatalf("dependency statuses = %v", e.DependencyStatuses)
	}
	graph, err := r.DependencyGraph(ctx, "wi")
	if err != nil || len(graph["c"]) != 2 {
		t.Fatalf("graph = %v %v", graph, err)
	}
	if _, err := r.GetEntity(ctx, domain.EntityTask, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommitStatusIsOptimistic(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertWorkItem(ctx, workItem("wi", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	change := domain.StatusChange{EntityType: domain.EntityWorkItem, ID: "wi", From: domain.StatusDraft, To: domain.StatusReady, At: t0.Add(time.Hour)}
	if err := r.CommitStatus(ctx, change); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.CommitStatus(ctx, change); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected stale status, got %v", err)
	}
	got, _ := r.GetWorkItem(ctx, "wi")
	if got.Status != domain.StatusReady || !got.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("work item = %+v", got)
	}
	missing := change
	missing.ID = "nope"
	if err := r.CommitStatus(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommitStatusTracksBlockingReasonsAndEnrichments(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertWorkItem(ctx, workItem("wi", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTask(ctx, task("t", "wi", domain.StatusActive)); err != nil {
		t.Fatal(err)
	}
	steps := []domain.StatusChange{
		{EntityType: domain.EntityTask, ID: "t", From: domain.StatusActive, To: domain.StatusBlocked, BlockingReason: "waiting on API keys"},
		{EntityType: domain.EntityTask, ID: "t", From: domain.StatusBlocked, To: domain.StatusBlocked, BlockingReason: "vendor outage"},
	}
	for _, s := range steps {
		if err := r.CommitStatus(ctx, s); err != nil {
			t.Fatalf("commit %s->%s: %v", s.From, s.To, err)
		}
	}
	got, _ := r.GetTask(ctx, "t")
	if len(got.BlockingReasons) != 2 || got.BlockingReasons[1] != "vendor outage" {
		t.Fatalf("blocking reasons = %v", got.BlockingReasons)
	}

	unblock := domain.StatusChange{
		EntityType: domain.EntityTask, ID: "t", From: domain.StatusBlocked, To: domain.StatusActive,
		Enrichments: map[string]string{"ENH-9": "noted"},
	}
	if err := r.CommitStatus(ctx, unblock); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	got, _ = r.GetTask(ctx, "t")
	if len(got.BlockingReasons) != 0 {
		t.Fatalf("blocking reasons should clear, got %v", got.BlockingReasons)
	}
	enr, _ := got.Metadata["enrichments"].(map[string]any)
	if enr["ENH-9"] != "noted" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func catalog(project string) []domain.Rule {
	return []domain.Rule{
		{
			ID: project + ":DP-001", ProjectID: project, Code: "DP-001", Name: "impl <= 4h", Level: domain.LevelBlock,
			Descriptor: domain.Descriptor{Kind: domain.DescriptorThreshold, Threshold: &domain.ThresholdSpec{Field: "effort_hours", Op: ">", Param: "max_hours"}},
			Params:     map[string]any{"max_hours": 4}, AppliesTo: []domain.EntityType{domain.EntityTask}, Kinds: []string{"implementation"},
			Enabled: true,
		},
		{
			ID: project + ":WI-002", ProjectID: project, Code: "WI-002", Level: domain.LevelGuide,
			Descriptor: domain.Descriptor{Kind: domain.DescriptorNamedCheck, NamedCheck: &domain.NamedCheckSpec{Name: "acceptance_criteria_defined"}},
			Enabled:    false,
		},
	}
}

func TestSeedRulesOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seeded, err := r.SeedRules(ctx, "p1", catalog("p1"))
	if err != nil || !seeded {
		t.Fatalf("first seed: seeded=%v err=%v", seeded, err)
	}
	seeded, err = r.SeedRules(ctx, "p1", catalog("p1"))
	if err != nil || seeded {
		t.Fatalf("second seed: seeded=%v err=%v", seeded, err)
	}
	all, err := r.ListRules(ctx, "p1")
	if err != nil || len(all) != 2 {
		t.Fatalf("rules = %v %v", all, err)
	}
	enabled, err := r.ListEnabledRules(ctx, "p1")
	if err != nil || len(enabled) != 1 {
		t.Fatalf("enabled = %v %v", enabled, err)
	}
	dp := enabled[0]
	if dp.Descriptor.Threshold == nil || dp.Descriptor.Threshold.Op != ">" || dp.Params["max_hours"] != float64(4) {
		t.Fatalf("rule roundtrip = %+v", dp)
	}
	if err := r.SetRuleEnabled(ctx, "p1", "WI-002", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if enabled, _ = r.ListEnabledRules(ctx, "p1"); len(enabled) != 2 {
		t.Fatalf("enabled after toggle = %d", len(enabled))
	}
	if ok, _ := r.IsSeeded(ctx, "p2"); ok {
		t.Fatalf("p2 should not be seeded")
	}
}

func TestConcurrentSeedingSeedsOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		fails []error
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seeded, err := r.SeedRules(ctx, "p2", catalog("p2"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
				return
			}
			if seeded {
				wins++
			}
		}()
	}
	wg.Wait()
	if len(fails) > 0 {
		t.Fatalf("seeding errors: %v", fails)
	}
	if wins != 1 {
		t.Fatalf("seeded %d times", wins)
	}
	all, _ := r.ListRules(ctx, "p2")
	if len(all) != 2 {
		t.Fatalf("rules = %d", len(all))
	}
}

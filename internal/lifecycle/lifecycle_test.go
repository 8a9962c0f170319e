package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentpm/internal/domain"
)

var entityTypes = []domain.EntityType{domain.EntityWorkItem, domain.EntityTask}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		typ  domain.EntityType
		from domain.Status
		to   domain.Status
		want bool
	}{
		{"draft to ready", domain.EntityTask, domain.StatusDraft, domain.StatusReady, true},
		{"ready to active", domain.EntityTask, domain.StatusReady, domain.StatusActive, true},
		{"active to review", domain.EntityWorkItem, domain.StatusActive, domain.StatusReview, true},
		{"review to done", domain.EntityWorkItem, domain.StatusReview, domain.StatusDone, true},
		{"draft to done skips states", domain.EntityTask, domain.StatusDraft, domain.StatusDone, false},
		{"draft to active skips ready", domain.EntityWorkItem, domain.StatusDraft, domain.StatusActive, false},
		{"active to done skips review", domain.EntityTask, domain.StatusActive, domain.StatusDone, false},
		{"archived is final", domain.EntityTask, domain.StatusArchived, domain.StatusDraft, false},
		{"task reopen from done", domain.EntityTask, domain.StatusDone, domain.StatusActive, true},
		{"work item cannot reopen from done", domain.EntityWorkItem, domain.StatusDone, domain.StatusActive, false},
		{"task reopen from cancelled", domain.EntityTask, domain.StatusCancelled, domain.StatusDraft, true},
		{"self edge is not an edge", domain.EntityTask, domain.StatusActive, domain.StatusActive, false},
		{"unknown entity type", domain.EntityType("project"), domain.StatusDraft, domain.StatusReady, false},
		{"unknown status", domain.EntityTask, domain.Status("bogus"), domain.StatusReady, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.typ, tt.from, tt.to))
		})
	}
}

func TestAllowedNextReturnsCopy(t *testing.T) {
	next := AllowedNext(domain.EntityTask, domain.StatusDraft)
	require.NotEmpty(t, next)
	next[0] = domain.StatusDone
	assert.False(t, CanTransition(domain.EntityTask, domain.StatusDraft, domain.StatusDone))
	assert.Empty(t, AllowedNext(domain.EntityWorkItem, domain.StatusArchived))
}

func TestCheckReturnsTypedError(t *testing.T) {
	err := Check(domain.EntityTask, domain.StatusDraft, domain.StatusDone)
	require.Error(t, err)
	var ite *IllegalTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, domain.StatusDraft, ite.From)
	assert.Equal(t, domain.StatusDone, ite.To)
	assert.Contains(t, err.Error(), "draft -> done")

	var ste *StateTransitionError
	assert.True(t, errors.As(err, &ste))
	assert.NoError(t, Check(domain.EntityTask, domain.StatusDraft, domain.StatusReady))
}

func TestTerminalStatusesOnlyHaveExplicitExits(t *testing.T) {
	for _, typ := range entityTypes {
		for _, to := range AllowedNext(typ, domain.StatusArchived) {
			t.Fatalf("%s: archived must have no exits, found %s", typ, to)
		}
		for _, from := range []domain.Status{domain.StatusDone, domain.StatusCancelled} {
			for _, to := range AllowedNext(typ, from) {
				if to == domain.StatusReview || to == domain.StatusReady || to == domain.StatusBlocked {
					t.Fatalf("%s: unexpected exit %s -> %s", typ, from, to)
				}
			}
		}
	}
}

func TestEveryStatusIsReachableFromDraft(t *testing.T) {
	for _, typ := range entityTypes {
		seen := map[domain.Status]bool{domain.StatusDraft: true}
		queue := []domain.Status{domain.StatusDraft}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range AllowedNext(typ, cur) {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		for _, s := range domain.Statuses {
			assert.True(t, seen[s], "%s: %s unreachable", typ, s)
		}
	}
}

func TestCanTransitionIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.SampledFrom(append(entityTypes, domain.EntityType("other"))).Draw(t, "type")
		from := rapid.SampledFrom(domain.Statuses).Draw(t, "from")
		to := rapid.SampledFrom(domain.Statuses).Draw(t, "to")

		first := CanTransition(typ, from, to)
		for i := 0; i < 3; i++ {
			if CanTransition(typ, from, to) != first {
				t.Fatalf("CanTransition(%s, %s, %s) changed between calls", typ, from, to)
			}
		}
		inAllowed := false
		for _, s := range AllowedNext(typ, from) {
			if s == to {
				inAllowed = true
			}
		}
		if inAllowed != first {
			t.Fatalf("CanTransition and AllowedNext disagree for %s %s -> %s", typ, from, to)
		}
		if (Check(typ, from, to) == nil) != first {
			t.Fatalf("Check disagrees with CanTransition for %s %s -> %s", typ, from, to)
		}
	})
}

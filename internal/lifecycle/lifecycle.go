// Package lifecycle defines the legal status graph for work items and tasks.
//
// The graph is static and CanTransition is a pure function of its
// arguments. Illegal edges are rejected here, before any rule is evaluated.
package lifecycle

import (
	"fmt"
	"slices"

	"agentpm/internal/domain"
)

type edges map[domain.Status][]domain.Status

var workItemGraph = edges{
	domain.StatusDraft:     {domain.StatusReady, domain.StatusCancelled, domain.StatusArchived},
	domain.StatusReady:     {domain.StatusActive, domain.StatusDraft, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusActive:    {domain.StatusReview, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusBlocked:   {domain.StatusActive, domain.StatusReady, domain.StatusCancelled},
	domain.StatusReview:    {domain.StatusDone, domain.StatusActive, domain.StatusCancelled},
	domain.StatusDone:      {domain.StatusArchived},
	domain.StatusCancelled: {domain.StatusArchived},
	domain.StatusArchived:  nil,
}

// Tasks share the work item graph plus two reopen edges.
var taskGraph = edges{
	domain.StatusDraft:     {domain.StatusReady, domain.StatusCancelled, domain.StatusArchived},
	domain.StatusReady:     {domain.StatusActive, domain.StatusDraft, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusActive:    {domain.StatusReview, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusBlocked:   {domain.StatusActive, domain.StatusReady, domain.StatusCancelled},
	domain.StatusReview:    {domain.StatusDone, domain.StatusActive, domain.StatusCancelled},
	domain.StatusDone:      {domain.StatusArchived, domain.StatusActive},
	domain.StatusCancelled: {domain.StatusArchived, domain.StatusDraft},
	domain.StatusArchived:  nil,
}

func graphFor(t domain.EntityType) edges {
	switch t {
	case domain.EntityWorkItem:
		return workItemGraph
	case domain.EntityTask:
		return taskGraph
	}
	return nil
}

// IllegalTransitionError reports a structurally impossible status change.
type IllegalTransitionError struct {
	EntityType domain.EntityType
	From       domain.Status
	To         domain.Status
	Allowed    []domain.Status
}

// StateTransitionError is the name used by callers that think in terms of
// the state machine rather than the workflow.
type StateTransitionError = IllegalTransitionError

func (e *IllegalTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("illegal %s transition %s -> %s: %s has no outgoing transitions", e.EntityType, e.From, e.To, e.From)
	}
	return fmt.Sprintf("illegal %s transition %s -> %s (allowed: %v)", e.EntityType, e.From, e.To, e.Allowed)
}

// CanTransition reports whether from -> to is an edge of the entity type's
// graph. Unknown types or statuses are never legal.
func CanTransition(t domain.EntityType, from, to domain.Status) bool {
	g := graphFor(t)
	if g == nil {
		return false
	}
	return slices.Contains(g[from], to)
}

// AllowedNext returns the statuses reachable in one step, in graph order.
// The returned slice is a copy.
func AllowedNext(t domain.EntityType, from domain.Status) []domain.Status {
	g := graphFor(t)
	if g == nil {
		return nil
	}
	return slices.Clone(g[from])
}

// IsTerminal reports whether s ends the regular flow. Terminal statuses may
// still have explicit reopen or archive edges.
func IsTerminal(s domain.Status) bool {
	switch s {
	case domain.StatusDone, domain.StatusArchived, domain.StatusCancelled:
		return true
	}
	return false
}

// Check returns an *IllegalTransitionError when from -> to is not legal.
func Check(t domain.EntityType, from, to domain.Status) error {
	if CanTransition(t, from, to) {
		return nil
	}
	return &IllegalTransitionError{
		EntityType: t,
		From:       from,
		To:         to,
		Allowed:    AllowedNext(t, from),
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"agentpm/internal/domain"
	"agentpm/internal/lifecycle"
	"agentpm/internal/rules"
)

// TransitionRequest asks to move one entity to Target. Metadata is visible
// to rules; a "reason" string is recorded as a blocking reason when a task
// enters blocked.
type TransitionRequest struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Target     domain.Status     `json:"target"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
}

// TransitionResult reports a transition outcome. Warnings come from LIMIT
// rules, Guidance from GUIDE rules, Findings from rules that could not be
// evaluated. Enrichments are ENHANCE results keyed by rule id.
type TransitionResult struct {
	Committed   bool              `json:"committed"`
	NoOp        bool              `json:"no_op,omitempty"`
	From        domain.Status     `json:"from"`
	To          domain.Status     `json:"to"`
	Warnings    []string          `json:"warnings,omitempty"`
	Guidance    []string          `json:"guidance,omitempty"`
	Findings    []string          `json:"findings,omitempty"`
	Enrichments map[string]string `json:"enrichments,omitempty"`
}

// Messages returns everything a caller should display, warnings first.
func (r TransitionResult) Messages() []string {
	out := make([]string, 0, len(r.Warnings)+len(r.Guidance)+len(r.Findings))
	out = append(out, r.Warnings...)
	out = append(out, r.Guidance...)
	out = append(out, r.Findings...)
	return out
}

// Transition moves an entity to req.Target.
//
// Moving to the current status is a successful no-op. Illegal edges fail
// with *lifecycle.IllegalTransitionError before any rule runs. Violated
// BLOCK rules fail with *RuleViolationError and nothing is written. Rule
// loading, seeding and journaling failures are logged and never fail the
// call.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	et, ok := domain.ParseEntityType(string(req.EntityType))
	if !ok {
		return TransitionResult{}, invalid("entity_type", "unknown entity type %q", req.EntityType)
	}
	req.EntityType = et
	if req.EntityID == "" {
		return TransitionResult{}, invalid("entity_id", "required")
	}
	if !req.Target.Valid() {
		return TransitionResult{}, invalid("target", "unknown status %q", req.Target)
	}

	entity, err := e.repo.GetEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("load %s %s: %w", req.EntityType, req.EntityID, err)
	}
	res := TransitionResult{From: entity.Status, To: req.Target}

	if entity.Status == req.Target {
		res.Committed = true
		res.NoOp = true
		return res, nil
	}
	if err := lifecycle.Check(entity.Type, entity.Status, req.Target); err != nil {
		return res, err
	}

	ruleSet := e.loadRules(ctx, entity, req)
	verdicts := rules.EvaluateAll(ruleSet, rules.Context{Entity: entity, Target: req.Target, Metadata: req.Metadata})

	var blocks []rules.Verdict
	for _, v := range verdicts {
		switch v.Outcome {
		case rules.HardReject:
			blocks = append(blocks, v)
		case rules.SoftWarn:
			res.Warnings = append(res.Warnings, v.Message)
		case rules.Suggest:
			res.Guidance = append(res.Guidance, v.Message)
		case rules.Enrich:
			if res.Enrichments == nil {
				res.Enrichments = map[string]string{}
			}
			res.Enrichments[v.RuleID] = v.Message
		case rules.Ambiguous:
			res.Findings = append(res.Findings, v.Message)
			e.reportAmbiguous(entity, req, v)
		}
	}

	if len(blocks) > 0 {
		rerr := &RuleViolationError{EntityType: entity.Type, EntityID: entity.ID, Target: req.Target, Violations: blocks}
		e.logger.Info("transition rejected",
			"entity_type", entity.Type, "entity_id", entity.ID,
			"from", entity.Status, "to", req.Target, "rules", rerr.RuleIDs())
		e.journal.Emit(e.event(domain.EventTransitionRejected, domain.SeverityWarning, entity, req.ActorID, req.SessionID, map[string]any{
			"entity_type":     string(entity.Type),
			"entity_id":       entity.ID,
			"previous_status": string(entity.Status),
			"requested":       string(req.Target),
			"rule_ids":        rerr.RuleIDs(),
			"reasons":         messages(blocks),
		}))
		return res, rerr
	}

	reason, _ := req.Metadata["reason"].(string)
	change := domain.StatusChange{
		EntityType:     entity.Type,
		ID:             entity.ID,
		From:           entity.Status,
		To:             req.Target,
		BlockingReason: reason,
		Enrichments:    res.Enrichments,
		At:             e.now().UTC(),
	}
	if err := e.repo.CommitStatus(ctx, change); err != nil {
		return res, fmt.Errorf("commit %s %s: %w", entity.Type, entity.ID, err)
	}
	res.Committed = true

	e.journal.Emit(e.event(domain.EventTransition, domain.SeverityInfo, entity, req.ActorID, req.SessionID, map[string]any{
		"entity_type":     string(entity.Type),
		"entity_id":       entity.ID,
		"previous_status": string(entity.Status),
		"new_status":      string(req.Target),
		"rule_warnings":   nonNil(res.Warnings),
		"guidance":        nonNil(res.Guidance),
		"findings":        nonNil(res.Findings),
		"enrichments":     res.Enrichments,
	}))
	return res, nil
}

// AllowedTransitions returns the entity's current status and its legal
// next statuses.
func (e *Engine) AllowedTransitions(ctx context.Context, t domain.EntityType, id string) (domain.Status, []domain.Status, error) {
	entity, err := e.repo.GetEntity(ctx, t, id)
	if err != nil {
		return "", nil, err
	}
	return entity.Status, lifecycle.AllowedNext(entity.Type, entity.Status), nil
}

// loadRules returns the project's enabled rules, seeding the default
// catalog the first time a project has none. Every failure here fails
// open: the transition proceeds without rule enforcement.
func (e *Engine) loadRules(ctx context.Context, entity domain.Entity, req TransitionRequest) []domain.Rule {
	projectID := entity.ProjectID
	rs, err := e.repo.ListEnabledRules(ctx, projectID)
	if err != nil {
		e.logger.Error("load rules failed; continuing without enforcement", "project_id", projectID, "err", err)
		return nil
	}
	if len(rs) > 0 {
		return rs
	}

	if _, _, err := e.seed(ctx, entity, req.ActorID, req.SessionID); err != nil {
		return nil
	}
	rs, err = e.repo.ListEnabledRules(ctx, projectID)
	if err != nil {
		e.logger.Error("load rules failed; continuing without enforcement", "project_id", projectID, "err", err)
		return nil
	}
	return rs
}

// SeedRules installs the default catalog for a project that has never been
// seeded. It reports whether this call seeded and how many rules the
// catalog holds.
func (e *Engine) SeedRules(ctx context.Context, projectID, actorID string) (bool, int, error) {
	if projectID == "" {
		return false, 0, invalid("project_id", "required")
	}
	return e.seed(ctx, domain.Entity{ProjectID: projectID}, actorID, "")
}

func (e *Engine) seed(ctx context.Context, entity domain.Entity, actorID, sessionID string) (bool, int, error) {
	projectID := entity.ProjectID
	catalog := e.catalog(projectID)
	seeded, err := e.repo.SeedRules(ctx, projectID, catalog)
	if err != nil {
		serr := &SeedingError{ProjectID: projectID, Err: err}
		e.logger.Error("rule seeding failed", "project_id", projectID, "err", serr)
		e.journal.Emit(e.event(domain.EventRuleSeeding, domain.SeverityError, entity, actorID, sessionID, map[string]any{
			"error": serr.Error(),
		}))
		return false, len(catalog), serr
	}
	if seeded {
		e.logger.Info("seeded default rules", "project_id", projectID, "count", len(catalog))
		e.journal.Emit(e.event(domain.EventRulesSeeded, domain.SeverityInfo, entity, actorID, sessionID, map[string]any{
			"count": len(catalog),
		}))
	}
	return seeded, len(catalog), nil
}

func (e *Engine) reportAmbiguous(entity domain.Entity, req TransitionRequest, v rules.Verdict) {
	attrs := []any{"rule_id", v.RuleID, "entity_type", entity.Type, "entity_id", entity.ID, "err", v.Err}
	var ae *rules.AmbiguousError
	if errors.As(v.Err, &ae) {
		attrs = append(attrs, "descriptor_kind", ae.Kind)
	}
	e.logger.Warn("rule could not be evaluated; treating as informational", attrs...)
	e.journal.Emit(e.event(domain.EventRuleAmbiguous, domain.SeverityWarning, entity, req.ActorID, req.SessionID, map[string]any{
		"rule_id": v.RuleID,
		"level":   string(v.Level),
		"reason":  v.Message,
		"target":  string(req.Target),
	}))
}

func messages(vs []rules.Verdict) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Message)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

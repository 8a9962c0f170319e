// Package rules evaluates project policy rules against a proposed status
// transition.
//
// Evaluation is pure and in-memory: a rule sees the entity snapshot, the
// target status and the caller's metadata, nothing else. Rule shapes are a
// closed set (threshold, category path, named check); a descriptor outside
// that set is never silently approved and never hard-blocks. It comes back
// as an Ambiguous outcome that the engine logs loudly and surfaces as an
// informational finding.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"agentpm/internal/domain"
)

// Outcome is the typed decision impact of a single verdict.
type Outcome int

const (
	// Pass means the rule was satisfied or did not apply.
	Pass Outcome = iota
	// HardReject is a violated BLOCK rule; the transition must not commit.
	HardReject
	// SoftWarn is a violated LIMIT rule; the transition commits with a warning.
	SoftWarn
	// Suggest is a violated GUIDE rule; the transition commits with guidance.
	Suggest
	// Enrich is a matched ENHANCE rule; metadata only, no caller message.
	Enrich
	// Ambiguous means the rule could not be evaluated. Never blocking.
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case HardReject:
		return "hard_reject"
	case SoftWarn:
		return "soft_warn"
	case Suggest:
		return "suggest"
	case Enrich:
		return "enrich"
	case Ambiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Context is everything a rule may look at.
type Context struct {
	Entity   domain.Entity
	Target   domain.Status
	Metadata map[string]any
}

// Verdict is the result of evaluating one rule.
type Verdict struct {
	RuleID   string                  `json:"rule_id"`
	Level    domain.EnforcementLevel `json:"level"`
	Violated bool                    `json:"violated"`
	Message  string                  `json:"message,omitempty"`
	Outcome  Outcome                 `json:"-"`
	Err      error                   `json:"-"`
}

// AmbiguousError marks a rule whose descriptor the evaluator cannot
// interpret. The finding is informational only.
type AmbiguousError struct {
	RuleID string
	Kind   domain.DescriptorKind
	Reason string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("rule %s: ambiguous %q descriptor: %s", e.RuleID, e.Kind, e.Reason)
}

// IsAmbiguous reports whether err is (or wraps) an *AmbiguousError.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// Evaluate checks one rule. Disabled or non-applicable rules pass.
func Evaluate(r domain.Rule, c Context) Verdict {
	v := Verdict{RuleID: ruleLabel(r), Level: r.Level}
	if !r.Applies(c.Entity, c.Target) {
		return v
	}
	if !r.Level.Valid() {
		v.Violated = true
		v.Outcome = Ambiguous
		v.Err = &AmbiguousError{RuleID: v.RuleID, Kind: r.Descriptor.Kind, Reason: fmt.Sprintf("unknown enforcement level %q", r.Level)}
		v.Message = v.Err.Error()
		return v
	}
	violated, msg, err := check(r, c)
	if err != nil {
		v.Violated = true
		v.Outcome = Ambiguous
		v.Err = err
		v.Message = err.Error()
		return v
	}
	if !violated {
		return v
	}
	v.Violated = true
	v.Message = formatMessage(r, msg)
	switch r.Level {
	case domain.LevelBlock:
		v.Outcome = HardReject
	case domain.LevelLimit:
		v.Outcome = SoftWarn
	case domain.LevelGuide:
		v.Outcome = Suggest
	case domain.LevelEnhance:
		v.Outcome = Enrich
	}
	return v
}

// EvaluateAll evaluates every rule in order.
func EvaluateAll(rs []domain.Rule, c Context) []Verdict {
	out := make([]Verdict, 0, len(rs))
	for _, r := range rs {
		out = append(out, Evaluate(r, c))
	}
	return out
}

func check(r domain.Rule, c Context) (bool, string, error) {
	d := r.Descriptor
	switch d.Kind {
	case domain.DescriptorThreshold:
		if d.Threshold == nil {
			return false, "", &AmbiguousError{RuleID: ruleLabel(r), Kind: d.Kind, Reason: "missing threshold payload"}
		}
		return checkThreshold(r, *d.Threshold, c)
	case domain.DescriptorCategoryPath:
		if d.CategoryPath == nil {
			return false, "", &AmbiguousError{RuleID: ruleLabel(r), Kind: d.Kind, Reason: "missing category_path payload"}
		}
		return checkCategoryPath(r, *d.CategoryPath, c)
	case domain.DescriptorNamedCheck:
		if d.NamedCheck == nil {
			return false, "", &AmbiguousError{RuleID: ruleLabel(r), Kind: d.Kind, Reason: "missing named_check payload"}
		}
		fn, ok := namedChecks[d.NamedCheck.Name]
		if !ok {
			return false, "", &AmbiguousError{RuleID: ruleLabel(r), Kind: d.Kind, Reason: fmt.Sprintf("unknown check %q", d.NamedCheck.Name)}
		}
		violated, msg := fn(r, c)
		return violated, msg, nil
	}
	return false, "", &AmbiguousError{RuleID: ruleLabel(r), Kind: d.Kind, Reason: "unrecognized validation descriptor"}
}

func ruleLabel(r domain.Rule) string {
	if r.Code != "" {
		return r.Code
	}
	return r.ID
}

func formatMessage(r domain.Rule, detail string) string {
	var b strings.Builder
	b.WriteString(ruleLabel(r))
	b.WriteString(": ")
	b.WriteString(detail)
	if r.Name != "" {
		b.WriteString(" (")
		b.WriteString(r.Name)
		b.WriteString(")")
	}
	return b.String()
}

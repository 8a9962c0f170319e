package engine

import (
	"errors"
	"fmt"
	"strings"

	"agentpm/internal/domain"
	"agentpm/internal/lifecycle"
	"agentpm/internal/rules"
)

// RuleViolationError rejects a transition on one or more BLOCK rules. The
// entity is left untouched.
type RuleViolationError struct {
	EntityType domain.EntityType
	EntityID   string
	Target     domain.Status
	Violations []rules.Verdict
}

func (e *RuleViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("%s %s -> %s rejected: %s", e.EntityType, e.EntityID, e.Target, strings.Join(msgs, "; "))
}

// RuleIDs lists the blocking rules in evaluation order.
func (e *RuleViolationError) RuleIDs() []string {
	ids := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		ids = append(ids, v.RuleID)
	}
	return ids
}

// SeedingError reports a failed default-catalog install. It is logged and
// never returned from Transition.
type SeedingError struct {
	ProjectID string
	Err       error
}

func (e *SeedingError) Error() string {
	return fmt.Sprintf("seed rules for project %s: %v", e.ProjectID, e.Err)
}

func (e *SeedingError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before anything is read or
// written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var ErrDependencyCycle = errors.New("task dependency cycle")

func IsIllegalTransition(err error) bool {
	var ite *lifecycle.IllegalTransitionError
	return errors.As(err, &ite)
}

func IsRuleViolation(err error) bool {
	var rve *RuleViolationError
	return errors.As(err, &rve)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

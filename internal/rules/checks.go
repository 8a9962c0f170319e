package rules

import (
	"fmt"
	"sort"
	"strings"

	"agentpm/internal/domain"
)

// Named checks. The set is closed; adding a check is a code change.
const (
	CheckRequireAssignee      = "require_assignee"
	CheckRequireBusinessValue = "require_business_value"
	CheckAcceptanceCriteria   = "acceptance_criteria_defined"
	CheckDependenciesDone     = "dependencies_done"
	CheckNoBlockingReasons    = "no_blocking_reasons"
	CheckPriorityRange        = "priority_range"
	CheckPhaseRecorded        = "phase_recorded"
)

type namedCheck func(r domain.Rule, c Context) (violated bool, msg string)

var namedChecks = map[string]namedCheck{
	CheckRequireAssignee:      requireAssignee,
	CheckRequireBusinessValue: requireBusinessValue,
	CheckAcceptanceCriteria:   acceptanceCriteriaDefined,
	CheckDependenciesDone:     dependenciesDone,
	CheckNoBlockingReasons:    noBlockingReasons,
	CheckPriorityRange:        priorityRange,
	CheckPhaseRecorded:        phaseRecorded,
}

// NamedChecks lists the registered check names, sorted.
func NamedChecks() []string {
	out := make([]string, 0, len(namedChecks))
	for name := range namedChecks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func requireAssignee(_ domain.Rule, c Context) (bool, string) {
	if c.Entity.AssignedAgent != nil && strings.TrimSpace(*c.Entity.AssignedAgent) != "" {
		return false, ""
	}
	if v, ok := lookup(c.Metadata, "assigned_agent"); ok && !isEmpty(v) {
		return false, ""
	}
	return true, fmt.Sprintf("%s %s has no assigned agent", c.Entity.Type, c.Entity.ID)
}

func requireBusinessValue(_ domain.Rule, c Context) (bool, string) {
	if v, ok := lookupMetadata(c, "business_value"); ok && !isEmpty(v) {
		return false, ""
	}
	return true, "business value is not documented"
}

func acceptanceCriteriaDefined(r domain.Rule, c Context) (bool, string) {
	need := 1
	if n, ok := number(r.Params["min_criteria"]); ok && n > 0 {
		need = int(n)
	}
	for _, path := range []string{"scope.acceptance_criteria", "acceptance_criteria"} {
		v, ok := lookupMetadata(c, path)
		if !ok {
			continue
		}
		if n := count(v); n < need {
			return true, fmt.Sprintf("%d acceptance criteria defined, %d required", n, need)
		}
		return false, ""
	}
	return true, fmt.Sprintf("no acceptance criteria defined, %d required", need)
}

func dependenciesDone(_ domain.Rule, c Context) (bool, string) {
	var pending []string
	for id, st := range c.Entity.DependencyStatuses {
		if st != domain.StatusDone && st != domain.StatusArchived {
			pending = append(pending, fmt.Sprintf("%s (%s)", id, st))
		}
	}
	if len(pending) == 0 {
		return false, ""
	}
	sort.Strings(pending)
	return true, fmt.Sprintf("%d dependencies not done: %s", len(pending), strings.Join(pending, ", "))
}

func noBlockingReasons(_ domain.Rule, c Context) (bool, string) {
	if len(c.Entity.BlockingReasons) == 0 || c.Target == domain.StatusBlocked {
		return false, ""
	}
	if v, ok := lookup(c.Metadata, "resolution"); ok && !isEmpty(v) {
		return false, ""
	}
	return true, fmt.Sprintf("%d blocking reasons unresolved: %s", len(c.Entity.BlockingReasons), strings.Join(c.Entity.BlockingReasons, "; "))
}

func priorityRange(r domain.Rule, c Context) (bool, string) {
	lo, hi := 1.0, 5.0
	if v, ok := number(r.Params["min"]); ok {
		lo = v
	}
	if v, ok := number(r.Params["max"]); ok {
		hi = v
	}
	p := float64(c.Entity.Priority)
	if p >= lo && p <= hi {
		return false, ""
	}
	return true, fmt.Sprintf("priority %d outside %s..%s", c.Entity.Priority, formatNumber(lo), formatNumber(hi))
}

func phaseRecorded(_ domain.Rule, c Context) (bool, string) {
	if c.Entity.Phase != nil && *c.Entity.Phase != "" {
		return false, ""
	}
	return true, "phase not recorded"
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func count(v any) int {
	switch x := v.(type) {
	case []any:
		return len(x)
	case []string:
		return len(x)
	case string:
		if strings.TrimSpace(x) == "" {
			return 0
		}
		return 1
	}
	return 0
}

package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"agentpm/internal/domain"
)

func checkThreshold(r domain.Rule, spec domain.ThresholdSpec, c Context) (bool, string, error) {
	label := ruleLabel(r)
	limit, ok := number(r.Params[spec.Param])
	if !ok {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorThreshold, Reason: fmt.Sprintf("param %q missing or not numeric", spec.Param)}
	}
	cmp, ok := comparators[spec.Op]
	if !ok {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorThreshold, Reason: fmt.Sprintf("unknown operator %q", spec.Op)}
	}
	value, present, err := fieldValue(spec.Field, c)
	if err != nil {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorThreshold, Reason: err.Error()}
	}
	if !present {
		return false, "", nil
	}
	if !cmp(value, limit) {
		return false, "", nil
	}
	return true, fmt.Sprintf("%s %s %s %s", spec.Field, formatNumber(value), spec.Op, formatNumber(limit)), nil
}

var comparators = map[string]func(a, b float64) bool{
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// fieldValue resolves a threshold field. Known entity fields are always
// present; metadata.<path> fields may be absent.
func fieldValue(field string, c Context) (float64, bool, error) {
	switch field {
	case "effort_hours":
		return c.Entity.EffortHours, true, nil
	case "priority":
		return float64(c.Entity.Priority), true, nil
	}
	path, ok := strings.CutPrefix(field, "metadata.")
	if !ok || path == "" {
		return 0, false, fmt.Errorf("unknown field %q", field)
	}
	raw, found := lookupMetadata(c, path)
	if !found {
		return 0, false, nil
	}
	v, ok := number(raw)
	if !ok {
		return 0, false, fmt.Errorf("field %q is not numeric", field)
	}
	return v, true, nil
}

func checkCategoryPath(r domain.Rule, spec domain.CategoryPathSpec, c Context) (bool, string, error) {
	label := ruleLabel(r)
	if spec.Category == "" {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorCategoryPath, Reason: "category is required"}
	}
	minPct, ok := number(r.Params[spec.Param])
	if !ok {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorCategoryPath, Reason: fmt.Sprintf("param %q missing or not numeric", spec.Param)}
	}
	path := spec.Path
	if path == "" {
		path = "coverage." + spec.Category
	}
	raw, found := lookupMetadata(c, path)
	if !found {
		return true, fmt.Sprintf("no %s data for category %s (requires %s%%)", firstSegment(path), spec.Category, formatNumber(minPct)), nil
	}
	pct, ok := percentage(raw)
	if !ok {
		return false, "", &AmbiguousError{RuleID: label, Kind: domain.DescriptorCategoryPath, Reason: fmt.Sprintf("value at %q is not a percentage", path)}
	}
	if pct >= minPct {
		return false, "", nil
	}
	return true, fmt.Sprintf("%s %s%% < %s%%", spec.Category, formatNumber(pct), formatNumber(minPct)), nil
}

// percentage accepts either a plain number or a {covered, total} pair.
func percentage(raw any) (float64, bool) {
	if v, ok := number(raw); ok {
		return v, true
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return 0, false
	}
	covered, ok1 := number(m["covered"])
	total, ok2 := number(m["total"])
	if !ok1 || !ok2 || total <= 0 {
		return 0, false
	}
	return covered / total * 100, true
}

// lookupMetadata searches the transition metadata first, then the entity's
// stored metadata.
func lookupMetadata(c Context, path string) (any, bool) {
	if v, ok := lookup(c.Metadata, path); ok {
		return v, true
	}
	return lookup(c.Entity.Metadata, path)
}

func lookup(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstSegment(path string) string {
	head, _, _ := strings.Cut(path, ".")
	return head
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// formatNumber renders whole numbers with one decimal so effort limits read
// as "6.0 > 4.0".
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

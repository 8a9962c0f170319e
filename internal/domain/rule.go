package domain

import "slices"

// EnforcementLevel classifies what a rule violation does to a transition.
type EnforcementLevel string

const (
	LevelBlock   EnforcementLevel = "BLOCK"
	LevelLimit   EnforcementLevel = "LIMIT"
	LevelGuide   EnforcementLevel = "GUIDE"
	LevelEnhance EnforcementLevel = "ENHANCE"
)

func (l EnforcementLevel) Valid() bool {
	switch l {
	case LevelBlock, LevelLimit, LevelGuide, LevelEnhance:
		return true
	}
	return false
}

// DescriptorKind tags the closed set of evaluable rule shapes.
type DescriptorKind string

const (
	DescriptorThreshold    DescriptorKind = "threshold"
	DescriptorCategoryPath DescriptorKind = "category_path"
	DescriptorNamedCheck   DescriptorKind = "named_check"
)

// Descriptor is a tagged variant: Kind selects which of the payload pointers
// is meaningful. A descriptor whose Kind is unknown or whose payload is
// missing is reported as ambiguous by the evaluator.
type Descriptor struct {
	Kind         DescriptorKind    `json:"kind" yaml:"kind"`
	Threshold    *ThresholdSpec    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	CategoryPath *CategoryPathSpec `json:"category_path,omitempty" yaml:"category_path,omitempty"`
	NamedCheck   *NamedCheckSpec   `json:"named_check,omitempty" yaml:"named_check,omitempty"`
}

// ThresholdSpec is violated when Field Op Params[Param] holds.
type ThresholdSpec struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Param string `json:"param" yaml:"param"`
}

// CategoryPathSpec is violated when the percentage found at Path is under
// Params[Param].
type CategoryPathSpec struct {
	Category string `json:"category" yaml:"category"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Param    string `json:"param" yaml:"param"`
}

type NamedCheckSpec struct {
	Name string `json:"name" yaml:"name"`
}

// Rule is a project-scoped policy record. It is read-only to the engine.
type Rule struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	Code       string           `json:"code"`
	Name       string           `json:"name"`
	Category   string           `json:"category"`
	Level      EnforcementLevel `json:"level"`
	Descriptor Descriptor       `json:"descriptor"`
	Params     map[string]any   `json:"params,omitempty"`
	AppliesTo  []EntityType     `json:"applies_to,omitempty"`
	Kinds      []string         `json:"kinds,omitempty"`
	Targets    []Status         `json:"targets,omitempty"`
	Enabled    bool             `json:"enabled"`
}

// Applies reports whether the rule gates a move of e to target. Empty
// filters match everything.
func (r Rule) Applies(e Entity, target Status) bool {
	if !r.Enabled {
		return false
	}
	if len(r.AppliesTo) > 0 && !slices.Contains(r.AppliesTo, e.Type) {
		return false
	}
	if len(r.Kinds) > 0 && !slices.Contains(r.Kinds, e.Kind) {
		return false
	}
	if len(r.Targets) > 0 && !slices.Contains(r.Targets, target) {
		return false
	}
	return true
}

package models

import (
	"encoding/json"
	"fmt"
)

// LogicalOperator combines the children of a condition group.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// ConditionKind discriminates the leaf condition variants.
type ConditionKind string

const (
	ConditionKindProperty ConditionKind = "property"
	ConditionKindDate     ConditionKind = "date"
	ConditionKindEvent    ConditionKind = "event"
	ConditionKindSegment  ConditionKind = "segment"
)

// Comparison operators for property and date leaves.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpIsSet              = "is_set"
	OpIsNotSet           = "is_not_set"
	OpGreaterThan        = "greater_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThan           = "less_than"
	OpLessThanOrEqual    = "less_than_or_equal"

	OpInLastDays    = "in_last_days"
	OpNotInLastDays = "not_in_last_days"
	OpBefore        = "before"
	OpAfter         = "after"
	OpBetween       = "between"

	OpHasDone    = "has_done"
	OpHasNotDone = "has_not_done"

	OpIsMember    = "is_member"
	OpIsNotMember = "is_not_member"
)

// ConditionGroup is an and/or combinator over an ordered list of children.
// Nesting is unbounded.
type ConditionGroup struct {
	Operator LogicalOperator `json:"operator"   validate:"required,oneof=and or"`
	Children []ConditionNode `json:"conditions"`
}

// ConditionNode is the tagged Leaf|Group variant. Exactly one of the two
// fields is non-nil; the variant is decided once when the JSON is parsed,
// never re-sniffed during evaluation.
type ConditionNode struct {
	Group *ConditionGroup
	Leaf  *Condition
}

// Condition is a single leaf predicate. Which fields are meaningful depends
// on Kind; see the condition evaluator for the exact semantics.
type Condition struct {
	Kind     ConditionKind `json:"kind"               validate:"required"`
	Field    string        `json:"field,omitempty"`
	Operator string        `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
	// SecondValue is the upper bound of a "between" date comparison.
	SecondValue any `json:"second_value,omitempty"`

	// Event leaf fields.
	EventName  string            `json:"event_name,omitempty"`
	WithinDays int               `json:"within_days,omitempty"`
	MinCount   int               `json:"min_count,omitempty"`
	Filters    []ConditionFilter `json:"filters,omitempty"`

	// Segment leaf field.
	SegmentID string `json:"segment_id,omitempty"`
}

// ConditionFilter is a flat property predicate applied to an event's own
// payload inside an event leaf, or declared on a flow trigger.
type ConditionFilter struct {
	Field    string `json:"field"    validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value,omitempty"`
}

// UnmarshalJSON decides the Leaf|Group variant by the presence of the group
// "operator" discriminator. This is the only place that shape inspection
// happens.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var probe struct {
		Operator *LogicalOperator `json:"operator"`
		Kind     *ConditionKind   `json:"kind"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("failed to probe condition node: %w", err)
	}

	if probe.Operator != nil && probe.Kind == nil {
		group := &ConditionGroup{}
		if err := json.Unmarshal(data, group); err != nil {
			return fmt.Errorf("failed to decode condition group: %w", err)
		}

		n.Group = group
		n.Leaf = nil

		return nil
	}

	leaf := &Condition{}
	if err := json.Unmarshal(data, leaf); err != nil {
		return fmt.Errorf("failed to decode condition leaf: %w", err)
	}

	n.Leaf = leaf
	n.Group = nil

	return nil
}

func (n ConditionNode) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}

	if n.Leaf != nil {
		return json.Marshal(n.Leaf)
	}

	return []byte("null"), nil
}

// GroupOf is a convenience constructor used by trigger-filter expansion and
// tests.
func GroupOf(op LogicalOperator, children ...ConditionNode) *ConditionGroup {
	return &ConditionGroup{Operator: op, Children: children}
}

// LeafNode wraps a leaf condition as a ConditionNode.
func LeafNode(c Condition) ConditionNode {
	return ConditionNode{Leaf: &c}
}

// GroupNode wraps a group as a ConditionNode.
func GroupNode(g *ConditionGroup) ConditionNode {
	return ConditionNode{Group: g}
}

package models

// TriggerType identifies what kind of inbound signal starts a flow.
type TriggerType string

const (
	TriggerTypeEvent        TriggerType = "event"
	TriggerTypeSegmentEntry TriggerType = "segment_entry"
	TriggerTypeSegmentExit  TriggerType = "segment_exit"
	TriggerTypeDateProperty TriggerType = "date_property"
	TriggerTypeManual       TriggerType = "manual"
)

// TriggerDescriptor is the entry condition of a flow.
type TriggerDescriptor struct {
	Type TriggerType `json:"type" validate:"required"`
	// EventName is required for event triggers.
	EventName string `json:"event_name,omitempty"`
	// SegmentID is required for segment_entry/segment_exit triggers.
	SegmentID string `json:"segment_id,omitempty"`
	// DateProperty names the profile date field driving date_property
	// triggers (e.g. "birthday").
	DateProperty string `json:"date_property,omitempty"`
	// Filters are additional property predicates re-evaluated against the
	// profile (augmented with the event payload) before enrollment.
	Filters []ConditionFilter `json:"filters,omitempty"`
}

// FilterGroup expands the declared flat filters into a synthetic and-group
// of property leaves for the condition evaluator. Returns nil when no
// filters are declared.
func (t TriggerDescriptor) FilterGroup() *ConditionGroup {
	if len(t.Filters) == 0 {
		return nil
	}

	children := make([]ConditionNode, 0, len(t.Filters))
	for _, f := range t.Filters {
		children = append(children, LeafNode(Condition{
			Kind:     ConditionKindProperty,
			Field:    f.Field,
			Operator: f.Operator,
			Value:    f.Value,
		}))
	}

	return GroupOf(LogicalAnd, children...)
}

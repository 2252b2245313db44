package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeKind identifies the closed set of flow node types.
type NodeKind string

const (
	NodeKindTrigger       NodeKind = "trigger"
	NodeKindDelay         NodeKind = "delay"
	NodeKindEmail         NodeKind = "email"
	NodeKindSMS           NodeKind = "sms"
	NodeKindCondition     NodeKind = "condition"
	NodeKindSplit         NodeKind = "split"
	NodeKindUpdateProfile NodeKind = "update_profile"
	NodeKindAddTag        NodeKind = "add_tag"
	NodeKindRemoveTag     NodeKind = "remove_tag"
	NodeKindWebhook       NodeKind = "webhook"
	NodeKindExit          NodeKind = "exit"
)

// Branch labels produced by condition nodes.
const (
	BranchYes = "yes"
	BranchNo  = "no"
)

// FlowNode is a typed step in a flow graph. The wire format is
// {id, type, data}; the data payload is decoded once at parse time into the
// variant matching the kind, so the rest of the engine never touches
// untyped maps.
type FlowNode struct {
	ID   string   `json:"id"   validate:"required"`
	Kind NodeKind `json:"type" validate:"required"`

	Delay         *DelayPayload         `json:"-"`
	Message       *MessagePayload       `json:"-"`
	Condition     *ConditionPayload     `json:"-"`
	Split         *SplitPayload         `json:"-"`
	ProfileUpdate *ProfileUpdatePayload `json:"-"`
	Tag           *TagPayload           `json:"-"`
	Webhook       *WebhookPayload       `json:"-"`
}

// DelayUnit is the unit of a delay node's duration.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
)

// DelayPayload is a wait annotation on the transition into the node the
// delay points at. Delay nodes are never executed as actions.
type DelayPayload struct {
	Amount int       `json:"amount" validate:"required,gt=0"`
	Unit   DelayUnit `json:"unit"   validate:"required,oneof=minutes hours days"`
}

// Duration converts the payload to a concrete wait duration. Unknown units
// resolve to zero so a malformed delay degrades to an immediate transition
// instead of wedging the enrollment.
func (p *DelayPayload) Duration() time.Duration {
	switch p.Unit {
	case DelayUnitMinutes:
		return time.Duration(p.Amount) * time.Minute
	case DelayUnitHours:
		return time.Duration(p.Amount) * time.Hour
	case DelayUnitDays:
		return time.Duration(p.Amount) * 24 * time.Hour
	default:
		return 0
	}
}

// MessagePayload configures an email or SMS send.
type MessagePayload struct {
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body"         validate:"required"`
	FromName    string   `json:"from_name,omitempty"`
	FromAddress string   `json:"from_address,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// OptimizeSendTime defers the send to the profile's optimal hour
	// instead of enqueueing immediately.
	OptimizeSendTime bool `json:"optimize_send_time,omitempty"`
	// MaxOptimizeDelayHours caps how long an optimized send may be held
	// back. Zero means the scheduler default.
	MaxOptimizeDelayHours int `json:"max_optimize_delay_hours,omitempty"`
}

// ConditionPayload routes an enrollment to the yes/no branch.
type ConditionPayload struct {
	Conditions *ConditionGroup `json:"conditions" validate:"required"`
	// IncludeTriggerContext exposes the enrollment's captured trigger
	// payload under the "event" namespace during evaluation.
	IncludeTriggerContext bool `json:"include_trigger_context,omitempty"`
}

// SplitMode selects between weighted and uniform variant selection.
type SplitMode string

const (
	SplitModePercentage SplitMode = "percentage"
	SplitModeRandom     SplitMode = "random"
)

// SplitVariant is one weighted branch of a split node. The variant ID is
// used as the outgoing edge label.
type SplitVariant struct {
	ID     string  `json:"id"     validate:"required"`
	Weight float64 `json:"weight" validate:"gte=0"`
}

// SplitPayload configures a percentage or random split.
type SplitPayload struct {
	Mode     SplitMode      `json:"mode"     validate:"required,oneof=percentage random"`
	Variants []SplitVariant `json:"variants" validate:"required,min=1,dive"`
}

// PropertyUpdate is one (path, value) write into the profile property bag.
type PropertyUpdate struct {
	Path  string `json:"path" validate:"required"`
	Value any    `json:"value"`
}

// ProfileUpdatePayload applies a list of property writes as a partial merge.
type ProfileUpdatePayload struct {
	Updates []PropertyUpdate `json:"updates" validate:"required,min=1,dive"`
}

// TagPayload names the tag added or removed by add_tag/remove_tag nodes.
type TagPayload struct {
	Tag string `json:"tag" validate:"required"`
}

// WebhookPayload configures a best-effort outbound call.
type WebhookPayload struct {
	URL     string            `json:"url"    validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST"`
	Headers map[string]string `json:"headers,omitempty"`
}

type nodeWire struct {
	ID   string          `json:"id"`
	Type NodeKind        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the {id, type, data} wire shape and resolves the
// payload variant from the node kind.
func (n *FlowNode) UnmarshalJSON(data []byte) error {
	var wire nodeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode flow node: %w", err)
	}

	n.ID = wire.ID
	n.Kind = wire.Type

	payload := wire.Data
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	decode := func(dst any) error {
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("invalid %s node payload for node %s: %w", wire.Type, wire.ID, err)
		}

		return nil
	}

	switch wire.Type {
	case NodeKindTrigger, NodeKindExit:
		return nil
	case NodeKindDelay:
		n.Delay = &DelayPayload{}
		return decode(n.Delay)
	case NodeKindEmail, NodeKindSMS:
		n.Message = &MessagePayload{}
		return decode(n.Message)
	case NodeKindCondition:
		n.Condition = &ConditionPayload{}
		return decode(n.Condition)
	case NodeKindSplit:
		n.Split = &SplitPayload{}
		return decode(n.Split)
	case NodeKindUpdateProfile:
		n.ProfileUpdate = &ProfileUpdatePayload{}
		return decode(n.ProfileUpdate)
	case NodeKindAddTag, NodeKindRemoveTag:
		n.Tag = &TagPayload{}
		return decode(n.Tag)
	case NodeKindWebhook:
		n.Webhook = &WebhookPayload{}
		return decode(n.Webhook)
	default:
		return fmt.Errorf("%w: %q on node %s", ErrUnknownNodeKind, wire.Type, wire.ID)
	}
}

func (n FlowNode) MarshalJSON() ([]byte, error) {
	wire := nodeWire{ID: n.ID, Type: n.Kind}

	var payload any

	switch n.Kind {
	case NodeKindDelay:
		payload = n.Delay
	case NodeKindEmail, NodeKindSMS:
		payload = n.Message
	case NodeKindCondition:
		payload = n.Condition
	case NodeKindSplit:
		payload = n.Split
	case NodeKindUpdateProfile:
		payload = n.ProfileUpdate
	case NodeKindAddTag, NodeKindRemoveTag:
		payload = n.Tag
	case NodeKindWebhook:
		payload = n.Webhook
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s node payload: %w", n.Kind, err)
		}

		wire.Data = data
	}

	return json.Marshal(wire)
}

// FlowEdge is a directed, optionally labeled connection between two nodes.
type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
	Label  string `json:"label,omitempty"`
}

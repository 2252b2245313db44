package models

import (
	"errors"
	"fmt"
	"time"
)

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"    // Editable, never triggered
	FlowStatusActive   FlowStatus = "active"   // Triggerable, graph immutable
	FlowStatusPaused   FlowStatus = "paused"   // Not triggered, enrollments parked
	FlowStatusArchived FlowStatus = "archived" // Historical
)

var (
	ErrUnknownNodeKind  = errors.New("unknown node kind")
	ErrNoTriggerNode    = errors.New("flow has no trigger node")
	ErrMultipleTriggers = errors.New("flow has more than one trigger node")
	ErrDanglingEdge     = errors.New("edge references a missing node")
)

// FlowStats carries the enrollment counters maintained alongside a flow.
type FlowStats struct {
	TotalEnrolled  int `json:"total_enrolled"`
	ActiveCount    int `json:"active_count"`
	CompletedCount int `json:"completed_count"`
}

// Flow is an authored automation graph. The graph is authored externally
// and only read by the engine; node/edge mutation is forbidden while the
// flow is active.
type Flow struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id" validate:"required"`
	Name           string            `json:"name"            validate:"required,min=3"`
	Status         FlowStatus        `json:"status"          validate:"required"`
	Trigger        TriggerDescriptor `json:"trigger"`
	Nodes          []*FlowNode       `json:"nodes"`
	Edges          []*FlowEdge       `json:"edges"`
	Stats          FlowStats         `json:"stats"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (f *Flow) NodeByID(id string) *FlowNode {
	for _, node := range f.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// TriggerNode returns the graph's single root trigger node.
func (f *Flow) TriggerNode() (*FlowNode, error) {
	var trigger *FlowNode

	for _, node := range f.Nodes {
		if node.Kind != NodeKindTrigger {
			continue
		}

		if trigger != nil {
			return nil, ErrMultipleTriggers
		}

		trigger = node
	}

	if trigger == nil {
		return nil, ErrNoTriggerNode
	}

	return trigger, nil
}

// OutgoingEdges returns all edges leaving the given node, in authored order.
func (f *Flow) OutgoingEdges(nodeID string) []*FlowEdge {
	var out []*FlowEdge

	for _, edge := range f.Edges {
		if edge.Source == nodeID {
			out = append(out, edge)
		}
	}

	return out
}

// EdgeByLabel returns the outgoing edge of nodeID carrying the given branch
// label.
func (f *Flow) EdgeByLabel(nodeID, label string) (*FlowEdge, bool) {
	for _, edge := range f.OutgoingEdges(nodeID) {
		if edge.Label == label {
			return edge, true
		}
	}

	return nil, false
}

// SingleOutgoingEdge returns the node's only unlabeled outgoing edge. When
// the node has no unlabeled edge the traversal is at a dead end.
func (f *Flow) SingleOutgoingEdge(nodeID string) (*FlowEdge, bool) {
	for _, edge := range f.OutgoingEdges(nodeID) {
		if edge.Label == "" {
			return edge, true
		}
	}

	return nil, false
}

// EntryNodeID resolves the node an enrollment starts at: the target of the
// trigger node's single outgoing edge. ok is false for a dangling trigger,
// in which case a fresh enrollment completes immediately.
func (f *Flow) EntryNodeID() (string, bool) {
	trigger, err := f.TriggerNode()
	if err != nil {
		return "", false
	}

	edges := f.OutgoingEdges(trigger.ID)
	if len(edges) == 0 {
		return "", false
	}

	return edges[0].Target, true
}

// Validate checks the structural invariants the engine depends on: exactly
// one trigger root and no dangling edges.
func (f *Flow) Validate() error {
	if _, err := f.TriggerNode(); err != nil {
		return err
	}

	index := make(map[string]struct{}, len(f.Nodes))
	for _, node := range f.Nodes {
		index[node.ID] = struct{}{}
	}

	for _, edge := range f.Edges {
		if _, ok := index[edge.Source]; !ok {
			return fmt.Errorf("%w: edge %s source %s", ErrDanglingEdge, edge.ID, edge.Source)
		}

		if _, ok := index[edge.Target]; !ok {
			return fmt.Errorf("%w: edge %s target %s", ErrDanglingEdge, edge.ID, edge.Target)
		}
	}

	return nil
}

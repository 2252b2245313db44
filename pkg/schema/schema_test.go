package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/schema"
)

const validFlowJSON = `{
	"organization_id": "org-1",
	"name": "Welcome Series",
	"status": "active",
	"trigger": {"type": "event", "event_name": "user_signed_up"},
	"nodes": [
		{"id": "trigger-1", "type": "trigger"},
		{"id": "email-1", "type": "email", "data": {"subject": "Welcome!", "body": "Hi {{ .profile.first_name }}"}},
		{"id": "wait-1", "type": "delay", "data": {"amount": 2, "unit": "hours"}}
	],
	"edges": [
		{"id": "e1", "source": "trigger-1", "target": "email-1"},
		{"id": "e2", "source": "email-1", "target": "wait-1"}
	]
}`

func TestValidateFlowJSON(t *testing.T) {
	flow, err := schema.ValidateFlowJSON([]byte(validFlowJSON))
	require.NoError(t, err)

	assert.Equal(t, "org-1", flow.OrganizationID)
	assert.Equal(t, models.FlowStatusActive, flow.Status)
	assert.Equal(t, "user_signed_up", flow.Trigger.EventName)
	require.Len(t, flow.Nodes, 3)

	// Node payloads are decoded into their typed variants.
	require.NotNil(t, flow.Nodes[1].Message)
	assert.Equal(t, "Welcome!", flow.Nodes[1].Message.Subject)
	require.NotNil(t, flow.Nodes[2].Delay)
	assert.Equal(t, models.DelayUnitHours, flow.Nodes[2].Delay.Unit)

	entry, ok := flow.EntryNodeID()
	require.True(t, ok)
	assert.Equal(t, "email-1", entry)
}

func TestValidateFlowJSONRejectsMalformedJSON(t *testing.T) {
	_, err := schema.ValidateFlowJSON([]byte(`{"name": `))
	require.Error(t, err)
}

func TestValidateFlowJSONRejectsUnknownNodeKind(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "Broken",
		"status": "draft",
		"trigger": {"type": "manual"},
		"nodes": [{"id": "n1", "type": "teleport"}]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func TestValidateFlowJSONRejectsBadStatus(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "Broken",
		"status": "running",
		"trigger": {"type": "manual"},
		"nodes": [{"id": "trigger-1", "type": "trigger"}]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.Error(t, err)
}

func TestValidateFlowJSONRequiresTrigger(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "Broken",
		"status": "draft",
		"nodes": [{"id": "trigger-1", "type": "trigger"}]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.Error(t, err)
}

func TestValidateFlowJSONRejectsMissingTriggerNode(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "No Root",
		"status": "draft",
		"trigger": {"type": "manual"},
		"nodes": [{"id": "email-1", "type": "email", "data": {"body": "Hi"}}]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.ErrorIs(t, err, models.ErrNoTriggerNode)
}

func TestValidateFlowJSONRejectsDanglingEdge(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "Dangling",
		"status": "draft",
		"trigger": {"type": "manual"},
		"nodes": [{"id": "trigger-1", "type": "trigger"}],
		"edges": [{"id": "e1", "source": "trigger-1", "target": "ghost"}]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.ErrorIs(t, err, models.ErrDanglingEdge)
}

func TestValidateFlowJSONRejectsMultipleTriggerNodes(t *testing.T) {
	raw := `{
		"organization_id": "org-1",
		"name": "Two Roots",
		"status": "draft",
		"trigger": {"type": "manual"},
		"nodes": [
			{"id": "trigger-1", "type": "trigger"},
			{"id": "trigger-2", "type": "trigger"}
		]
	}`

	_, err := schema.ValidateFlowJSON([]byte(raw))
	require.ErrorIs(t, err, models.ErrMultipleTriggers)
}

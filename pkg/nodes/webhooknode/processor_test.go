package webhooknode_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/nodes/webhooknode"
)

func processorContext(node *models.FlowNode) engine.ProcessorContext {
	return engine.ProcessorContext{
		Flow: &models.Flow{ID: "flow-1", OrganizationID: "org-1"},
		Node: node,
		Profile: &models.Profile{
			ID:         "profile-1",
			Email:      "ana@example.com",
			Properties: map[string]any{"plan": "pro"},
		},
		Enrollment: &models.FlowEnrollment{
			ID:             "enr-1",
			FlowID:         "flow-1",
			ProfileID:      "profile-1",
			Cycle:          3,
			TriggerContext: map[string]any{"order_id": "A-42"},
		},
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		Now:    time.Now().UTC(),
	}
}

func webhookNode(url string, headers map[string]string) *models.FlowNode {
	return &models.FlowNode{
		ID:      "hook-1",
		Kind:    models.NodeKindWebhook,
		Webhook: &models.WebhookPayload{URL: url, Headers: headers},
	}
}

func TestProcessPostsEnrollmentSnapshot(t *testing.T) {
	var (
		gotMethod  string
		gotHeaders http.Header
		gotBody    map[string]any
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()

		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	processor := webhooknode.NewProcessor(server.Client())
	node := webhookNode(server.URL, map[string]string{"X-Signature": "abc"})

	result, err := processor.Process(context.Background(), processorContext(node))
	require.NoError(t, err)
	assert.Equal(t, engine.Result{}, result)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "abc", gotHeaders.Get("X-Signature"))

	assert.Equal(t, "flow-1", gotBody["flow_id"])
	assert.Equal(t, "hook-1", gotBody["node_id"])
	assert.Equal(t, "enr-1", gotBody["enrollment_id"])
	assert.Equal(t, float64(3), gotBody["cycle"])

	profile, ok := gotBody["profile"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "profile-1", profile["id"])
	assert.Equal(t, "ana@example.com", profile["email"])

	triggerContext, ok := gotBody["trigger_context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A-42", triggerContext["order_id"])
}

func TestProcessFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	processor := webhooknode.NewProcessor(server.Client())

	result, err := processor.Process(context.Background(), processorContext(webhookNode(server.URL, nil)))
	require.NoError(t, err, "a dead endpoint must not block flow progression")
	assert.Equal(t, engine.Result{}, result)
}

func TestProcessUnreachableEndpointIsSwallowed(t *testing.T) {
	processor := webhooknode.NewProcessor(&http.Client{Timeout: 200 * time.Millisecond})

	node := webhookNode("http://127.0.0.1:1/hook", nil)

	_, err := processor.Process(context.Background(), processorContext(node))
	require.NoError(t, err)
}

func TestProcessMissingURLFails(t *testing.T) {
	processor := webhooknode.NewProcessor(nil)

	node := &models.FlowNode{ID: "hook-1", Kind: models.NodeKindWebhook, Webhook: &models.WebhookPayload{}}

	_, err := processor.Process(context.Background(), processorContext(node))
	require.Error(t, err)
}

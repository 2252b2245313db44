// Package webhooknode implements the best-effort outbound webhook node.
package webhooknode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
)

const defaultTimeout = 10 * time.Second

// Processor posts a JSON snapshot of the enrollment and profile to the
// configured URL. Delivery is fire-and-forget: failures are logged and
// swallowed so a dead endpoint never blocks flow progression.
type Processor struct {
	client *http.Client
}

func NewProcessor(client *http.Client) *Processor {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Processor{client: client}
}

func (p *Processor) Kind() models.NodeKind {
	return models.NodeKindWebhook
}

func (p *Processor) Process(ctx context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.Webhook
	if payload == nil || payload.URL == "" {
		return engine.Result{}, fmt.Errorf("webhook node %s has no url", pctx.Node.ID)
	}

	body := map[string]any{
		"flow_id":       pctx.Flow.ID,
		"node_id":       pctx.Node.ID,
		"enrollment_id": pctx.Enrollment.ID,
		"cycle":         pctx.Enrollment.Cycle,
		"triggered_at":  pctx.Now.Format(time.RFC3339),
		"profile": map[string]any{
			"id":         pctx.Profile.ID,
			"email":      pctx.Profile.Email,
			"properties": pctx.Profile.Properties,
		},
		"trigger_context": pctx.Enrollment.TriggerContext,
	}

	err := p.call(ctx, payload, body)
	if err != nil {
		pctx.Logger.Warn("Webhook delivery failed, continuing", "url", payload.URL, "error", err)
	}

	return engine.Result{}, nil
}

func (p *Processor) call(ctx context.Context, payload *models.WebhookPayload, body map[string]any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.URL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

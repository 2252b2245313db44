// Package message implements the email and SMS send node processors.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/queue"
	"github.com/cadencehq/cadence/pkg/sendtime"
	"github.com/cadencehq/cadence/pkg/template"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Processor renders a message node's templates against the profile and hands
// the delivery job to the send queue, or parks it as a scheduled send when
// the node opts into send-time optimization. One instance serves one node
// kind (email or sms).
type Processor struct {
	kind        models.NodeKind
	persistence persistence.Persistence
	queue       queue.DeliveryQueue
	optimizer   *sendtime.Optimizer
}

func NewProcessor(
	kind models.NodeKind,
	store persistence.Persistence,
	deliveryQueue queue.DeliveryQueue,
	optimizer *sendtime.Optimizer,
) *Processor {
	return &Processor{
		kind:        kind,
		persistence: store,
		queue:       deliveryQueue,
		optimizer:   optimizer,
	}
}

func (p *Processor) Kind() models.NodeKind {
	return p.kind
}

func (p *Processor) Process(ctx context.Context, pctx engine.ProcessorContext) (engine.Result, error) {
	payload := pctx.Node.Message
	if payload == nil {
		return engine.Result{}, fmt.Errorf("message node %s has no payload", pctx.Node.ID)
	}

	to := p.recipient(pctx.Profile)
	if to == "" {
		pctx.Logger.Warn("Profile has no recipient address for channel, skipping send",
			"channel", p.channel())

		return engine.Result{}, nil
	}

	subject, err := template.RenderWithProfile(payload.Subject, pctx.Profile, pctx.Enrollment.TriggerContext)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to render subject: %w", err)
	}

	body, err := template.RenderWithProfile(payload.Body, pctx.Profile, pctx.Enrollment.TriggerContext)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to render body: %w", err)
	}

	send := &models.SendRecord{
		ID:             uuid.NewString(),
		OrganizationID: pctx.Enrollment.OrganizationID,
		FlowID:         pctx.Flow.ID,
		FlowNodeID:     pctx.Node.ID,
		ProfileID:      pctx.Profile.ID,
		Channel:        p.channel(),
		To:             to,
		From:           p.sender(payload),
		Subject:        subject,
		Body:           body,
		Tags:           payload.Tags,
		IdempotencyKey: IdempotencyKey(pctx.Flow.ID, pctx.Node.ID, pctx.Profile.ID, pctx.Enrollment.Cycle),
		CreatedAt:      pctx.Now,
	}

	if payload.OptimizeSendTime && p.optimizer != nil {
		scheduled, err := p.schedule(ctx, pctx, payload, send)
		if err != nil {
			return engine.Result{}, err
		}

		if scheduled {
			return engine.Result{}, nil
		}
	}

	return engine.Result{}, p.enqueue(ctx, pctx, send)
}

// schedule parks the send until the profile's optimal hour. Returns false
// when engagement history is too thin, in which case the caller sends
// immediately.
func (p *Processor) schedule(
	ctx context.Context,
	pctx engine.ProcessorContext,
	payload *models.MessagePayload,
	send *models.SendRecord,
) (bool, error) {
	optimal, err := p.optimizer.OptimalSendTime(ctx, pctx.Profile.ID, pctx.Now)
	if err != nil {
		if errors.Is(err, sendtime.ErrInsufficientData) {
			return false, nil
		}

		return false, engine.NewRetryableError("send-time lookup", err)
	}

	maxDelay := time.Duration(payload.MaxOptimizeDelayHours) * time.Hour

	at := sendtime.NextSendAt(pctx.Now, optimal, maxDelay)
	send.Status = models.SendStatusScheduled
	send.ScheduledAt = &at

	err = p.persistence.Sends().Save(ctx, send)
	if err != nil {
		return false, engine.NewRetryableError("send record save", err)
	}

	pctx.Logger.Info("Send scheduled for optimal time",
		"send_id", send.ID, "scheduled_at", at, "confidence", optimal.Confidence)

	return true, nil
}

func (p *Processor) enqueue(ctx context.Context, pctx engine.ProcessorContext, send *models.SendRecord) error {
	err := p.queue.Enqueue(ctx, send)
	if err != nil {
		// The enrollment stays active and retries; the idempotency key
		// guards against a duplicate delivery if the enqueue actually
		// landed.
		return engine.NewRetryableError("delivery queue", err)
	}

	send.Status = models.SendStatusQueued
	queuedAt := pctx.Now
	send.QueuedAt = &queuedAt

	err = p.persistence.Sends().Save(ctx, send)
	if err != nil {
		return engine.NewRetryableError("send record save", err)
	}

	pctx.Logger.Info("Message queued for delivery", "send_id", send.ID, "channel", send.Channel)

	return nil
}

func (p *Processor) channel() string {
	if p.kind == models.NodeKindSMS {
		return ChannelSMS
	}

	return ChannelEmail
}

func (p *Processor) recipient(profile *models.Profile) string {
	if p.kind == models.NodeKindSMS {
		return profile.Phone
	}

	return profile.Email
}

func (p *Processor) sender(payload *models.MessagePayload) string {
	if payload.FromName != "" && payload.FromAddress != "" {
		return fmt.Sprintf("%s <%s>", payload.FromName, payload.FromAddress)
	}

	return payload.FromAddress
}

// IdempotencyKey derives the deduplication key for one send: the same flow
// node sending to the same profile within the same enrollment cycle is one
// logical message.
func IdempotencyKey(flowID, nodeID, profileID string, cycle int) string {
	return fmt.Sprintf("%s:%s:%s:%d", flowID, nodeID, profileID, cycle)
}

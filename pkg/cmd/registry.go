// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/nodes/conditionnode"
	"github.com/cadencehq/cadence/pkg/nodes/exitnode"
	"github.com/cadencehq/cadence/pkg/nodes/message"
	"github.com/cadencehq/cadence/pkg/nodes/profileupdate"
	"github.com/cadencehq/cadence/pkg/nodes/split"
	"github.com/cadencehq/cadence/pkg/nodes/tag"
	"github.com/cadencehq/cadence/pkg/nodes/webhooknode"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/queue"
	"github.com/cadencehq/cadence/pkg/registry"
	"github.com/cadencehq/cadence/pkg/sendtime"
)

// NewRegistry builds the processor registry covering every executable node
// kind. Delay and trigger nodes are structural and have no processor.
func NewRegistry(
	store persistence.Persistence,
	deliveryQueue queue.DeliveryQueue,
	optimizer *sendtime.Optimizer,
	logger *slog.Logger,
) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.Register(message.NewProcessor(models.NodeKindEmail, store, deliveryQueue, optimizer))
	reg.Register(message.NewProcessor(models.NodeKindSMS, store, deliveryQueue, optimizer))
	reg.Register(conditionnode.NewProcessor(store))
	reg.Register(split.NewProcessor())
	reg.Register(profileupdate.NewProcessor(store))
	reg.Register(tag.NewProcessor(models.NodeKindAddTag, store))
	reg.Register(tag.NewProcessor(models.NodeKindRemoveTag, store))
	reg.Register(webhooknode.NewProcessor(nil))
	reg.Register(exitnode.NewProcessor())

	return reg
}

// NewDeliveryQueue builds the delivery queue named by the URL scheme.
func NewDeliveryQueue(ctx context.Context, queueURL string) queue.DeliveryQueue {
	switch {
	case strings.HasPrefix(queueURL, "redis://"), strings.HasPrefix(queueURL, "rediss://"):
		q, err := queue.NewRedisQueue(ctx, queueURL)
		if err != nil {
			panic(fmt.Errorf("failed to create Redis delivery queue: %w", err))
		}

		return q
	case queueURL == "memory://":
		return queue.NewMemoryQueue()
	default:
		panic("Unsupported delivery queue provider in QUEUE_URL: " + queueURL)
	}
}

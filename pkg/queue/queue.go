// Package queue hands finished send records to the external delivery
// infrastructure.
package queue

import (
	"context"

	"github.com/cadencehq/cadence/pkg/models"
)

// DeliveryQueue receives delivery jobs for downstream senders. Enqueue must
// be idempotent on the record's IdempotencyKey: a second enqueue with the
// same key is a no-op, not an error.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, send *models.SendRecord) error
	Close() error
}

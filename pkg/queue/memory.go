package queue

import (
	"context"
	"sync"

	"github.com/cadencehq/cadence/pkg/models"
)

// MemoryQueue is an in-process DeliveryQueue used by tests and local
// development. It honors idempotency-key deduplication like the Redis
// implementation.
type MemoryQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []*models.SendRecord

	// FailNext forces the next Enqueue to fail, for exercising retry
	// behavior in tests.
	FailNext error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, send *models.SendRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailNext != nil {
		err := q.FailNext
		q.FailNext = nil

		return err
	}

	if q.seen[send.IdempotencyKey] {
		return nil
	}

	q.seen[send.IdempotencyKey] = true

	clone := *send
	q.jobs = append(q.jobs, &clone)

	return nil
}

func (q *MemoryQueue) Jobs() []*models.SendRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.SendRecord, len(q.jobs))
	copy(out, q.jobs)

	return out
}

func (q *MemoryQueue) Close() error {
	return nil
}

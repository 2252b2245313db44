// Package engine advances active enrollments through their flow graphs on a
// polling schedule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// ProcessorContext carries everything a node processor may consult while
// executing one step of one enrollment.
type ProcessorContext struct {
	Flow       *models.Flow
	Node       *models.FlowNode
	Enrollment *models.FlowEnrollment
	Profile    *models.Profile
	Logger     *slog.Logger
	Now        time.Time
}

// Result tells the state machine where to go after a node executes. At most
// one of NextNodeID and Branch is set; when both are empty the node's single
// unlabeled outgoing edge is followed.
type Result struct {
	NextNodeID string
	Branch     string
	Exit       bool
	ExitReason string
}

// Processor executes one node kind. Processors never mutate the enrollment;
// traversal bookkeeping belongs to the state machine.
type Processor interface {
	Kind() models.NodeKind
	Process(ctx context.Context, pctx ProcessorContext) (Result, error)
}

// Resolver maps a node kind to its processor. Unknown kinds return an error
// and fail the enrollment as a configuration error.
type Resolver interface {
	ProcessorFor(kind models.NodeKind) (Processor, error)
}

// RetryableError marks a step failure that must keep the enrollment active
// and be retried on a later tick instead of failing it terminally. Delivery
// queue outages are the canonical case.
type RetryableError struct {
	Op  string
	Err error
}

func NewRetryableError(op string, err error) *RetryableError {
	return &RetryableError{Op: op, Err: err}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable %s error: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries RetryableError anywhere in its
// chain.
func IsRetryable(err error) bool {
	var retryable *RetryableError

	return errors.As(err, &retryable)
}

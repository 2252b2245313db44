package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/otelhelper"
	"github.com/cadencehq/cadence/pkg/persistence"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
)

// Scheduler is the enrollment poller. On a fixed interval it claims a
// bounded batch of due enrollments and runs each through the executor,
// isolating failures so one bad enrollment never aborts the batch.
type Scheduler struct {
	executor    *Executor
	persistence persistence.Persistence
	logger      *slog.Logger
	workerID    string
	interval    time.Duration
	batchSize   int
	tracer      trace.Tracer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(
	executor *Executor,
	persistence persistence.Persistence,
	logger *slog.Logger,
	workerID string,
	interval time.Duration,
	batchSize int,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Scheduler{
		executor:    executor,
		persistence: persistence,
		logger:      logger.With("module", "engine_scheduler", "worker_id", workerID),
		workerID:    workerID,
		interval:    interval,
		batchSize:   batchSize,
		tracer:      otel.Tracer("engine_scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler %s is already running", s.workerID)
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("Starting enrollment scheduler", "interval", s.interval, "batch_size", s.batchSize)

	s.wg.Add(1)

	go s.run(ctx)

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	claimed, err := s.persistence.Enrollments().ClaimDue(ctx, s.workerID, s.batchSize, now)
	if err != nil {
		s.logger.Error("Failed to claim due enrollments", "error", err)

		return
	}

	if len(claimed) == 0 {
		return
	}

	s.logger.Debug("Claimed due enrollments", "count", len(claimed))

	for _, enrollment := range claimed {
		s.process(ctx, enrollment)
	}
}

// process runs one enrollment with panic isolation. A panicking step fails
// the enrollment and releases the claim rather than taking the worker down.
func (s *Scheduler) process(ctx context.Context, enrollment *models.FlowEnrollment) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "engine.scheduler process",
		attribute.String(otelhelper.EnrollmentIDKey, enrollment.ID),
		attribute.String(otelhelper.FlowIDKey, enrollment.FlowID),
		attribute.String(otelhelper.ProfileIDKey, enrollment.ProfileID),
		attribute.Int(otelhelper.CycleKey, enrollment.Cycle),
		attribute.String(otelhelper.WorkerIDKey, s.workerID),
	)
	defer span.End()

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		s.logger.Error("Panic while processing enrollment",
			"enrollment_id", enrollment.ID, "panic", r)
		otelhelper.SetError(span, fmt.Errorf("panic: %v", r))

		enrollment.Finalize(models.EnrollmentStatusFailed,
			fmt.Sprintf("panic: %v", r), time.Now().UTC())

		err := s.persistence.Enrollments().Release(ctx, enrollment)
		if err != nil {
			s.logger.Error("Failed to release panicked enrollment",
				"enrollment_id", enrollment.ID, "error", err)
		}
	}()

	err := s.executor.Step(ctx, enrollment)
	if err != nil {
		// Storage errors leave the enrollment active; the claim lease
		// expires and a later tick picks it back up.
		s.logger.Error("Failed to process enrollment",
			"enrollment_id", enrollment.ID, "error", err)
		otelhelper.SetError(span, err)
	}
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("Stopping enrollment scheduler")

	close(s.stopCh)
	s.wg.Wait()
	s.running = false
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cadencehq/cadence/pkg/cmd"
	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/queue"
	"github.com/cadencehq/cadence/pkg/sendtime"
)

// Worker bundles the two pollers of the engine process: the enrollment
// scheduler that advances due enrollments and the campaign scheduler that
// flushes optimized sends whose hold time has arrived.
type Worker struct {
	id                string
	scheduler         *engine.Scheduler
	campaignScheduler *engine.CampaignScheduler
	logger            *slog.Logger
}

func NewWorker(
	id string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	deliveryQueue queue.DeliveryQueue,
	logger *slog.Logger,
	pollInterval time.Duration,
	batchSize int,
) *Worker {
	optimizer := sendtime.NewOptimizer(store.Events())
	registry := cmd.NewRegistry(store, deliveryQueue, optimizer, logger)
	executor := engine.NewExecutor(store, registry, eventBus, logger)

	return &Worker{
		id:                id,
		scheduler:         engine.NewScheduler(executor, store, logger, id, pollInterval, batchSize),
		campaignScheduler: engine.NewCampaignScheduler(store, deliveryQueue, eventBus, logger, 0, 0),
		logger:            logger.With("module", "worker"),
	}
}

func (w *Worker) Start(ctx context.Context) {
	wCtx, cancel := context.WithCancel(ctx)

	w.logger.Info("Starting engine worker")

	w.handleSignals(cancel)

	if err := w.scheduler.Start(wCtx); err != nil {
		w.logger.Error("Failed to start enrollment scheduler", "error", err)
		cancel()

		return
	}

	if err := w.campaignScheduler.Start(wCtx); err != nil {
		w.logger.Error("Failed to start campaign scheduler", "error", err)
		w.scheduler.Stop(ctx)
		cancel()

		return
	}

	<-wCtx.Done()
	w.logger.Info("Worker context cancelled, stopping...")
	w.stop(context.WithoutCancel(wCtx))
}

func (w *Worker) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		w.logger.Info("Received signal", "signal", sig)
		w.logger.Info("Shutting down gracefully...")
		cancel()
	}()
}

func (w *Worker) stop(ctx context.Context) {
	w.campaignScheduler.Stop()
	w.scheduler.Stop(ctx)
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/triggers"
)

// Activator consumes inbound signals from the bus and enrolls matching
// profiles into flows. It also owns the daily date-property trigger scan.
type Activator struct {
	id           string
	eventBus     eventbus.EventBus
	persistence  persistence.Persistence
	matcher      *triggers.Matcher
	dateScanner  *triggers.DateScanner
	logger       *slog.Logger
	restartCount int
}

func NewActivator(
	id string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	dateScanSchedule string,
) *Activator {
	matcher := triggers.NewMatcher(store, eventBus, logger)

	return &Activator{
		id:          id,
		eventBus:    eventBus,
		persistence: store,
		matcher:     matcher,
		dateScanner: triggers.NewDateScanner(store, matcher, logger, dateScanSchedule),
		logger:      logger.With("module", "activator"),
	}
}

func (a *Activator) Start(ctx context.Context) {
	aCtx, cancel := context.WithCancel(ctx)

	a.logger.Info("Starting activator")

	a.handleSignals(aCtx, cancel)
	a.run(aCtx)
}

// handleSignals sets up signal handling for graceful shutdown and restart.
func (a *Activator) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		a.logger.Info("Received signal", "signal", sig)

		switch sig {
		case syscall.SIGHUP:
			a.logger.Info("Reloading configuration...")
			a.restart(ctx, cancel)
		case syscall.SIGINT, syscall.SIGTERM:
			a.logger.Info("Shutting down gracefully...")
			a.stop(cancel)
			os.Exit(0)
		default:
			a.logger.Warn("Unhandled signal received", "signal", sig)
		}
	}()
}

// restart handles service restart with backoff.
func (a *Activator) restart(ctx context.Context, cancel context.CancelFunc) {
	a.restartCount++
	newCtx := context.WithoutCancel(ctx)

	a.stop(cancel)

	if a.restartCount > 5 {
		a.logger.Error("Restart limit reached, exiting...")
		os.Exit(1)
	}

	backoff := time.Duration(a.restartCount) * time.Second
	a.logger.Info("Restarting activator...", "backoff", backoff)
	time.Sleep(backoff)

	a.Start(newCtx)
}

func (a *Activator) run(ctx context.Context) {
	a.subscribeSignals(ctx)

	if err := a.dateScanner.Start(ctx); err != nil {
		a.logger.Error("Failed to start date scanner", "error", err)
	}

	<-ctx.Done()
	a.logger.Info("Activator context cancelled, stopping...")
}

// subscribeSignals registers the matcher for each inbound signal type and
// starts consumption in the background.
func (a *Activator) subscribeSignals(ctx context.Context) {
	handler := func(ctx context.Context, signal any) error {
		enrolled, err := a.matcher.OnSignal(ctx, signal)
		if err != nil {
			return err
		}

		if len(enrolled) > 0 {
			a.logger.Info("Signal matched flows", "enrollments", len(enrolled))
		}

		return nil
	}

	for _, eventType := range []events.EventType{
		events.EventFiredSignal,
		events.SegmentEnteredSignal,
		events.SegmentExitedSignal,
	} {
		if err := a.eventBus.Handle(eventType, handler); err != nil {
			a.logger.Error("Failed to register signal handler", "event_type", eventType, "error", err)
		}
	}

	go func() {
		if err := a.eventBus.Subscribe(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("Signal subscription terminated", "error", err)
		}
	}()
}

func (a *Activator) stop(cancel context.CancelFunc) {
	a.dateScanner.Stop()
	cancel()
}

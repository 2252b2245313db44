package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/queue"
)

const (
	DefaultSendPollInterval = 1 * time.Second
	DefaultSendBatchSize    = 500
)

// CampaignScheduler is the fast poller that flushes sends parked for
// send-time optimization. It runs on a tighter interval than the enrollment
// scheduler because scheduled sends target a specific hour.
type CampaignScheduler struct {
	persistence persistence.Persistence
	queue       queue.DeliveryQueue
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewCampaignScheduler(
	persistence persistence.Persistence,
	deliveryQueue queue.DeliveryQueue,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *CampaignScheduler {
	if interval <= 0 {
		interval = DefaultSendPollInterval
	}

	if batchSize <= 0 {
		batchSize = DefaultSendBatchSize
	}

	return &CampaignScheduler{
		persistence: persistence,
		queue:       deliveryQueue,
		publisher:   publisher,
		logger:      logger.With("module", "campaign_scheduler"),
		interval:    interval,
		batchSize:   batchSize,
	}
}

func (s *CampaignScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("campaign scheduler is already running")
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("Starting campaign scheduler", "interval", s.interval, "batch_size", s.batchSize)

	s.wg.Add(1)

	go s.run(ctx)

	return nil
}

func (s *CampaignScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

func (s *CampaignScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("Stopping campaign scheduler")

	close(s.stopCh)
	s.wg.Wait()
	s.running = false
}

// Flush enqueues every scheduled send whose time has come. Queue failures
// leave the record scheduled so the next tick retries it.
func (s *CampaignScheduler) Flush(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.persistence.Sends().DueScheduled(ctx, s.batchSize, now)
	if err != nil {
		s.logger.Error("Failed to fetch due scheduled sends", "error", err)

		return
	}

	for _, send := range due {
		err := s.queue.Enqueue(ctx, send)
		if err != nil {
			s.logger.Error("Failed to enqueue scheduled send",
				"send_id", send.ID, "error", err)

			continue
		}

		send.Status = models.SendStatusQueued
		queuedAt := now
		send.QueuedAt = &queuedAt

		err = s.persistence.Sends().Save(ctx, send)
		if err != nil {
			s.logger.Error("Failed to mark send queued", "send_id", send.ID, "error", err)

			continue
		}

		s.notifyQueued(ctx, send)
	}
}

func (s *CampaignScheduler) notifyQueued(ctx context.Context, send *models.SendRecord) {
	if s.publisher == nil {
		return
	}

	event := events.MessageQueued{
		BaseEvent:  events.NewBaseEvent(events.MessageQueuedEvent, send.OrganizationID),
		SendID:     send.ID,
		FlowID:     send.FlowID,
		FlowNodeID: send.FlowNodeID,
		ProfileID:  send.ProfileID,
		Channel:    send.Channel,
	}

	err := s.publisher.Publish(ctx, send.ID, event)
	if err != nil {
		s.logger.Error("Failed to publish message queued event", "error", err)
	}
}

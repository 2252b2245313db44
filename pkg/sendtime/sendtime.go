// Package sendtime computes a profile's optimal send hour from its
// historical engagement events.
package sendtime

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// Engagement event names consulted by the optimizer.
const (
	EventMessageOpened  = "message_opened"
	EventMessageClicked = "message_clicked"
)

const (
	// Window is the trailing period of engagement history considered.
	Window = 90 * 24 * time.Hour

	// MinEvents is the minimum engagement history required before any
	// recommendation is made.
	MinEvents = 5

	// DayOfWeekMinEvents is the larger history required before a
	// day-of-week optimum is computed.
	DayOfWeekMinEvents = 20

	openWeight  = 1.0
	clickWeight = 3.0

	// DefaultMaxDelay caps how long an optimized send is held back when
	// the message node does not set its own bound.
	DefaultMaxDelay = 24 * time.Hour

	maxJitter = 5 * time.Minute
)

// ErrInsufficientData means the profile's engagement history is too thin to
// recommend a send time; callers fall back to sending immediately.
var ErrInsufficientData = errors.New("insufficient engagement data")

// OptimalSendTime is the recommendation for one profile. Confidence is a
// heuristic concentration measure in [0, 1], not a statistical interval:
// the best hour's score share, scaled by 3 and clamped.
type OptimalSendTime struct {
	Hour       int           `json:"hour"`
	DayOfWeek  *time.Weekday `json:"day_of_week,omitempty"`
	Confidence float64       `json:"confidence"`
}

// Optimizer scores engagement events from the event store.
type Optimizer struct {
	events persistence.EventRepository
}

func NewOptimizer(events persistence.EventRepository) *Optimizer {
	return &Optimizer{events: events}
}

// OptimalSendTime fetches the profile's trailing engagement window and
// scores it. Returns ErrInsufficientData below the event minimum.
func (o *Optimizer) OptimalSendTime(ctx context.Context, profileID string, now time.Time) (*OptimalSendTime, error) {
	history, err := o.events.ByProfileSince(ctx, profileID, now.Add(-Window))
	if err != nil {
		return nil, err
	}

	return Compute(history)
}

// Compute is the pure scoring core: each engagement event contributes its
// weight (open 1, click 3) to its hour-of-day bucket; the max-score bucket
// wins.
func Compute(history []models.ProfileEvent) (*OptimalSendTime, error) {
	var engagements []models.ProfileEvent

	for _, event := range history {
		if event.Name == EventMessageOpened || event.Name == EventMessageClicked {
			engagements = append(engagements, event)
		}
	}

	if len(engagements) < MinEvents {
		return nil, ErrInsufficientData
	}

	var hourScores [24]float64

	var dayScores [7]float64

	total := 0.0

	for _, event := range engagements {
		weight := openWeight
		if event.Name == EventMessageClicked {
			weight = clickWeight
		}

		occurred := event.OccurredAt.UTC()
		hourScores[occurred.Hour()] += weight
		dayScores[occurred.Weekday()] += weight
		total += weight
	}

	bestHour := 0
	for hour := 1; hour < 24; hour++ {
		if hourScores[hour] > hourScores[bestHour] {
			bestHour = hour
		}
	}

	optimal := &OptimalSendTime{
		Hour:       bestHour,
		Confidence: min(hourScores[bestHour]/total*3, 1),
	}

	if len(engagements) >= DayOfWeekMinEvents {
		bestDay := time.Sunday
		for day := time.Monday; day <= time.Saturday; day++ {
			if dayScores[day] > dayScores[bestDay] {
				bestDay = day
			}
		}

		optimal.DayOfWeek = &bestDay
	}

	return optimal, nil
}

// NextSendAt derives a concrete send timestamp: the next occurrence of the
// optimal hour (and preferred day, when present) after now, capped at
// maxDelay and nudged by a small jitter so optimized sends do not all fire
// in the same instant.
func NextSendAt(now time.Time, optimal *OptimalSendTime, maxDelay time.Duration) time.Time {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	now = now.UTC()

	target := time.Date(now.Year(), now.Month(), now.Day(), optimal.Hour, 0, 0, 0, time.UTC)
	for !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}

	if optimal.DayOfWeek != nil {
		for target.Weekday() != *optimal.DayOfWeek {
			target = target.AddDate(0, 0, 1)
		}
	}

	target = target.Add(time.Duration(rand.Int63n(int64(maxJitter))))

	if target.Sub(now) > maxDelay {
		target = now.Add(maxDelay)
	}

	return target
}

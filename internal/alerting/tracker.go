// Package alerting publishes a notification whenever a location's alert condition changes.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/metrics"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/protocol"
	"github.com/smukkama/epidemic-metrics/internal/queue"
	"github.com/smukkama/epidemic-metrics/internal/recalc"
)

// Publisher sends an encoded notification under a partition key.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Tracker compares each observed alert condition with the last published one.
type Tracker struct {
	states    StateStore
	publisher Publisher
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics

	// newBackOff builds the retry policy of one publish.
	newBackOff func() backoff.BackOff
}

func NewTracker(states StateStore, publisher Publisher, clock clockwork.Clock, logger *zap.Logger, m *observability.Metrics) *Tracker {
	return &Tracker{
		states:    states,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

// Observe publishes a notification when alert differs from the stored state and then
// stores it. Alerts older than the stored state are ignored. It returns the published
// notification, or nil when nothing changed.
func (t *Tracker) Observe(ctx context.Context, alert recalc.LocationAlert) (*protocol.AlertNotification, error) {
	prev, err := t.states.Get(ctx, alert.LocationID)
	if err != nil {
		return nil, err
	}
	if prev != nil && (prev.Condition == alert.Condition || alert.Date.Before(prev.Date)) {
		return nil, nil
	}

	now := t.clock.Now().UTC()
	notification := &protocol.AlertNotification{
		Type:       changeType(prev, alert),
		LocationID: alert.LocationID,
		Date:       alert.Date.Format(time.DateOnly),
		Current:    string(alert.Condition),
		DetectedAt: now,
	}
	if prev != nil {
		notification.Previous = string(prev.Condition)
	}

	if err := t.publish(ctx, notification); err != nil {
		return nil, err
	}

	// A failed write republishes the change on the next run.
	if err := t.states.Set(ctx, alert.LocationID, &AlertState{
		Condition:   alert.Condition,
		Date:        alert.Date,
		PublishedAt: now,
	}); err != nil {
		return notification, err
	}

	if t.metrics != nil {
		t.metrics.AlertChanges.WithLabelValues(notification.Type).Inc()
	}
	t.logger.Info("alert condition changed",
		zap.Int64("location_id", alert.LocationID),
		zap.String("type", notification.Type),
		zap.String("previous", notification.Previous),
		zap.String("current", notification.Current))
	return notification, nil
}

// ObserveAll observes every alert and keeps going past failures.
func (t *Tracker) ObserveAll(ctx context.Context, alerts []recalc.LocationAlert) ([]*protocol.AlertNotification, error) {
	var published []*protocol.AlertNotification
	var errs []error
	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := t.Observe(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("location %d: %w", alert.LocationID, err))
		}
		if n != nil {
			published = append(published, n)
		}
	}
	return published, errors.Join(errs...)
}

func (t *Tracker) publish(ctx context.Context, notification *protocol.AlertNotification) error {
	data, err := protocol.EncodeAlertNotification(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	key := queue.LocationKey(notification.LocationID)

	return backoff.Retry(
		func() error {
			return t.publisher.Publish(ctx, key, data)
		},
		backoff.WithContext(t.newBackOff(), ctx),
	)
}

func changeType(prev *AlertState, alert recalc.LocationAlert) string {
	if prev == nil {
		return protocol.AlertTypeInitial
	}
	before, _ := metrics.Ordinal(prev.Condition)
	after, _ := metrics.Ordinal(alert.Condition)
	if after > before {
		return protocol.AlertTypeEscalated
	}
	return protocol.AlertTypeDeescalated
}

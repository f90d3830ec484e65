// Package queue decides, for one location at a time, who is notified that
// their turn is near and who is promoted to serving.
package queue

import (
	"context"
	"expvar"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qms/walkin-service/internal/events"
	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/notify"
	"qms/walkin-service/internal/store"
)

var (
	promotionsTotal  = expvar.NewInt("walkin_promotions_total")
	guardMissesTotal = expvar.NewInt("walkin_promotion_guard_misses_total")
)

// Result describes one Process pass over a location.
type Result struct {
	LocationID  string
	Waiting     int
	Serving     int
	NearClaimed int
	Promoted    []string
	GuardMisses int
	Pruned      int
}

type Engine struct {
	store  store.CustomerStore
	gate   *notify.Gate
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(st store.CustomerStore, gate *notify.Gate, publisher events.Publisher, logger *zap.Logger) *Engine {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		gate:   gate,
		events: publisher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Process runs near notifications and promotions for one location. Delivery
// failures never undo a promotion or a recorded milestone.
func (e *Engine) Process(ctx context.Context, location models.Location) (Result, error) {
	result := Result{LocationID: location.LocationID}
	cfg := location.Config
	logger := e.logger.With(zap.String("location_id", location.LocationID))

	waiting, err := e.store.FindWaiting(ctx, location.LocationID)
	if err != nil {
		return result, errors.Wrap(err, "find waiting")
	}
	serving, err := e.store.CountServing(ctx, location.LocationID)
	if err != nil {
		return result, errors.Wrap(err, "count serving")
	}
	result.Waiting = len(waiting)
	result.Serving = serving

	for i, pos := range Positions(len(waiting), serving, cfg.MaxServing) {
		if !models.IsNearMilestone(pos.Remaining) {
			continue
		}
		customer := waiting[i]
		delivery, err := e.gate.Deliver(ctx, customer, pos.Remaining, nearPayload(cfg, customer, pos.Remaining))
		if err != nil {
			logger.Warn("near notification failed",
				zap.String("customer_id", customer.CustomerID),
				zap.Int("remaining", pos.Remaining),
				zap.Error(err),
			)
			continue
		}
		if delivery.Claimed {
			result.NearClaimed++
			result.Pruned += delivery.Pruned
			logger.Debug("near milestone",
				zap.String("customer_id", customer.CustomerID),
				zap.Int("remaining", pos.Remaining),
				zap.Int("delivered", delivery.Delivered),
			)
		}
	}

	need := Need(serving, cfg.MaxServing)
	for i := 0; i < need && i < len(waiting); i++ {
		customer := waiting[i]
		calledAt := e.now()
		promoted, err := e.store.ConditionalPromote(ctx, customer.CustomerID, store.ActionPromote.From(), calledAt)
		if err != nil {
			return result, errors.Wrapf(err, "promote customer %s", customer.CustomerID)
		}
		if !promoted {
			result.GuardMisses++
			guardMissesTotal.Add(1)
			logger.Debug("promotion guard failed", zap.String("customer_id", customer.CustomerID))
			continue
		}
		result.Promoted = append(result.Promoted, customer.CustomerID)
		promotionsTotal.Add(1)
		logger.Info("customer promoted", zap.String("customer_id", customer.CustomerID))

		customer.Status = models.StatusServing
		customer.CalledAt = &calledAt
		delivery, err := e.gate.Deliver(ctx, customer, models.MilestoneReady, readyPayload(cfg, customer))
		if err != nil {
			logger.Warn("ready notification failed",
				zap.String("customer_id", customer.CustomerID),
				zap.Error(err),
			)
		} else {
			result.Pruned += delivery.Pruned
		}
		events.Emit(ctx, e.events, logger, events.Event{
			Type:       events.CustomerPromoted,
			LocationID: location.LocationID,
			CustomerID: customer.CustomerID,
			Status:     models.StatusServing,
			OccurredAt: calledAt,
		})
	}
	return result, nil
}

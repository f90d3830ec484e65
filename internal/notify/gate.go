package notify

import (
	"context"
	"expvar"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/store"
)

var (
	sentTotal   = expvar.NewInt("walkin_notifications_sent_total")
	failedTotal = expvar.NewInt("walkin_notifications_failed_total")
	prunedTotal = expvar.NewInt("walkin_subscriptions_pruned_total")
)

// Delivery summarises one Deliver call.
type Delivery struct {
	Claimed   bool
	Delivered int
	Transient int
	Pruned    int
}

// Gate ensures each milestone notification goes out at most once per
// customer. The milestone is claimed in the store before anything is sent, so
// two overlapping ticks can never both deliver it.
type Gate struct {
	store    store.MilestoneStore
	notifier Notifier
	cache    MilestoneCache
	logger   *zap.Logger
}

func NewGate(st store.MilestoneStore, notifier Notifier, cache MilestoneCache, logger *zap.Logger) *Gate {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: st, notifier: notifier, cache: cache, logger: logger}
}

func (g *Gate) HasSent(ctx context.Context, customer models.Customer, milestone int) (bool, error) {
	if g.cache.Seen(ctx, customer.CustomerID, milestone) {
		return true, nil
	}
	if customer.HasMilestone(milestone) {
		g.cache.Remember(ctx, customer.CustomerID, milestone)
		return true, nil
	}
	sent, err := g.store.HasMilestone(ctx, customer.CustomerID, milestone)
	if err != nil {
		return false, errors.Wrap(err, "check milestone")
	}
	if sent {
		g.cache.Remember(ctx, customer.CustomerID, milestone)
	}
	return sent, nil
}

// MarkSent claims the milestone. It reports false when another caller already
// holds it.
func (g *Gate) MarkSent(ctx context.Context, customerID string, milestone int) (bool, error) {
	claimed, err := g.store.AddMilestone(ctx, customerID, milestone)
	if err != nil {
		return false, errors.Wrap(err, "claim milestone")
	}
	g.cache.Remember(ctx, customerID, milestone)
	return claimed, nil
}

// Deliver claims the milestone and fans the payload out to every
// subscription. Failed sends never release the claim. Subscriptions the push
// service reports as gone are removed.
func (g *Gate) Deliver(ctx context.Context, customer models.Customer, milestone int, payload Payload) (Delivery, error) {
	var out Delivery
	sent, err := g.HasSent(ctx, customer, milestone)
	if err != nil {
		return out, err
	}
	if sent {
		return out, nil
	}
	claimed, err := g.MarkSent(ctx, customer.CustomerID, milestone)
	if err != nil {
		return out, err
	}
	if !claimed {
		return out, nil
	}
	out = g.fanOut(ctx, customer, milestone, payload)
	out.Claimed = true
	return out, nil
}

// Resend pushes payload to every subscription without touching milestones.
// Gone subscriptions are still pruned.
func (g *Gate) Resend(ctx context.Context, customer models.Customer, payload Payload) Delivery {
	return g.fanOut(ctx, customer, models.MilestoneReady, payload)
}

func (g *Gate) fanOut(ctx context.Context, customer models.Customer, milestone int, payload Payload) Delivery {
	var out Delivery
	for _, sub := range customer.Subscriptions {
		err := g.notifier.Send(ctx, sub, payload)
		switch Classify(err) {
		case Delivered:
			out.Delivered++
			sentTotal.Add(1)
		case PermanentFailure:
			failedTotal.Add(1)
			if rmErr := g.store.RemoveSubscription(ctx, customer.CustomerID, sub.Endpoint); rmErr != nil {
				g.logger.Warn("remove expired subscription failed",
					zap.String("customer_id", customer.CustomerID),
					zap.Error(rmErr),
				)
				continue
			}
			out.Pruned++
			prunedTotal.Add(1)
			g.logger.Info("removed expired subscription",
				zap.String("customer_id", customer.CustomerID),
				zap.String("endpoint", sub.Endpoint),
			)
		default:
			out.Transient++
			failedTotal.Add(1)
			g.logger.Warn("push send failed",
				zap.String("customer_id", customer.CustomerID),
				zap.Int("milestone", milestone),
				zap.String("type", payload.Type),
				zap.Error(err),
			)
		}
	}
	return out
}

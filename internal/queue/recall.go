package queue

import (
	"context"
	"expvar"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/notify"
	"qms/walkin-service/internal/store"
)

// DefaultRecallGap is the minimum time between two manual recalls of the same
// customer.
const DefaultRecallGap = time.Minute

var recallsTotal = expvar.NewInt("walkin_recalls_total")

type RecallStore interface {
	GetLocation(ctx context.Context, locationID string) (models.Location, bool, error)
	GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error)
	RecordRecall(ctx context.Context, customerID string, at time.Time, minGap time.Duration) (bool, error)
}

// Recaller lets staff repeat the ready notice to a customer who is already
// being served but has not shown up.
type Recaller struct {
	store  RecallStore
	gate   *notify.Gate
	logger *zap.Logger
	gap    time.Duration
	now    func() time.Time
}

func NewRecaller(st RecallStore, gate *notify.Gate, logger *zap.Logger) *Recaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recaller{
		store:  st,
		gate:   gate,
		logger: logger,
		gap:    DefaultRecallGap,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Recall records the recall, then sends. It returns store.ErrCustomerNotFound,
// store.ErrInvalidState when the customer is not serving, or store.ErrTooSoon
// inside the gap. The returned customer is the snapshot the notice went to.
func (r *Recaller) Recall(ctx context.Context, locationID, customerID string) (models.Customer, notify.Delivery, error) {
	var delivery notify.Delivery
	customer, err := r.current(ctx, locationID, customerID)
	if err != nil {
		return customer, delivery, err
	}

	recorded, err := r.store.RecordRecall(ctx, customerID, r.now(), r.gap)
	if err != nil {
		return customer, delivery, errors.Wrap(err, "record recall")
	}
	if !recorded {
		if customer, err = r.current(ctx, locationID, customerID); err != nil {
			return customer, delivery, err
		}
		return customer, delivery, store.ErrTooSoon
	}
	recallsTotal.Add(1)

	location, ok, err := r.store.GetLocation(ctx, locationID)
	if err != nil {
		return customer, delivery, errors.Wrap(err, "get location")
	}
	if !ok {
		return customer, delivery, store.ErrLocationNotFound
	}
	delivery = r.gate.Resend(ctx, customer, RecallPayload(location.Config, customer))
	r.logger.Info("customer recalled",
		zap.String("location_id", locationID),
		zap.String("customer_id", customerID),
		zap.Int("delivered", delivery.Delivered),
		zap.Int("pruned", delivery.Pruned),
	)
	return customer, delivery, nil
}

// current loads the customer and checks it is serving at locationID.
func (r *Recaller) current(ctx context.Context, locationID, customerID string) (models.Customer, error) {
	customer, ok, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return models.Customer{}, errors.Wrap(err, "get customer")
	}
	if !ok || customer.LocationID != locationID {
		return models.Customer{}, store.ErrCustomerNotFound
	}
	if customer.Status != models.StatusServing {
		return customer, store.ErrInvalidState
	}
	return customer, nil
}

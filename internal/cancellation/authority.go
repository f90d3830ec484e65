// Package cancellation lets a waiting customer leave the queue on their own.
package cancellation

import (
	"context"
	"crypto/subtle"
	"expvar"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qms/walkin-service/internal/events"
	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/store"
)

var cancellationsTotal = expvar.NewInt("walkin_cancellations_total")

type CustomerStore interface {
	GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error)
	DeleteIfStatus(ctx context.Context, customerID, expectedStatus string) (bool, error)
}

type CancelRequest struct {
	LocationID string
	CustomerID string
	Token      string
	Endpoint   string
}

type Authority struct {
	store  CustomerStore
	tokens *Tokens
	events events.Publisher
	logger *zap.Logger
}

// NewAuthority builds the authority. tokens may be nil, in which case only
// endpoint proof is accepted.
func NewAuthority(st CustomerStore, tokens *Tokens, publisher events.Publisher, logger *zap.Logger) *Authority {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{store: st, tokens: tokens, events: publisher, logger: logger}
}

// Cancel removes a waiting customer. Checks run in a fixed order: existence,
// then state, then credentials. Only customers still exactly "waiting" can
// leave; once promoted the request is a conflict whatever the credential.
func (a *Authority) Cancel(ctx context.Context, req CancelRequest) error {
	customer, ok, err := a.store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return errors.Wrap(err, "load customer")
	}
	if !ok || customer.LocationID != req.LocationID {
		return store.ErrCustomerNotFound
	}
	if !store.ActionCancel.Allows(customer.Status) {
		return errors.Wrapf(store.ErrInvalidState, "customer is %s", customer.Status)
	}
	if !a.authorized(customer, req) {
		return store.ErrAccessDenied
	}

	deleted, err := a.store.DeleteIfStatus(ctx, customer.CustomerID, models.StatusWaiting)
	if err != nil {
		return errors.Wrap(err, "delete customer")
	}
	if !deleted {
		current, ok, err := a.store.GetCustomer(ctx, customer.CustomerID)
		if err != nil {
			return errors.Wrap(err, "reload customer")
		}
		if !ok {
			return store.ErrCustomerNotFound
		}
		return errors.Wrapf(store.ErrInvalidState, "customer is %s", current.Status)
	}

	cancellationsTotal.Add(1)
	a.logger.Info("customer cancelled",
		zap.String("location_id", customer.LocationID),
		zap.String("customer_id", customer.CustomerID),
	)
	events.Emit(ctx, a.events, a.logger, events.Event{
		Type:       events.CustomerCancelled,
		LocationID: customer.LocationID,
		CustomerID: customer.CustomerID,
		Status:     models.StatusWaiting,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

func (a *Authority) authorized(customer models.Customer, req CancelRequest) bool {
	if req.Token != "" && a.tokens != nil {
		if err := a.tokens.Verify(req.Token, customer.CustomerID, customer.LocationID); err == nil {
			return true
		}
	}
	if req.Endpoint == "" {
		return false
	}
	matched := 0
	for _, sub := range customer.Subscriptions {
		matched |= subtle.ConstantTimeCompare([]byte(sub.Endpoint), []byte(req.Endpoint))
	}
	return matched == 1
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/notify"
	"qms/walkin-service/internal/store"
)

func newRecaller(f *fixture, now *time.Time) *Recaller {
	r := NewRecaller(f.store, notify.NewGate(f.store, f.notifier, nil, nil), nil)
	r.now = func() time.Time { return *now }
	return r
}

func TestRecallResendsReadyNotice(t *testing.T) {
	f := newFixture(t, 1)
	f.location.Config.Templates.Ready = models.Template{Title: "Table for {{name}}"}
	f.store.PutLocation(f.location)
	ctx := context.Background()
	a := f.join(t, "a")
	_, err := f.engine.Process(ctx, f.location)
	require.NoError(t, err)

	now := f.base.Add(5 * time.Minute)
	recaller := newRecaller(f, &now)

	customer, delivery, err := recaller.Recall(ctx, "loc-1", a.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, a.CustomerID, customer.CustomerID)
	assert.Equal(t, 1, delivery.Delivered)

	sent := f.notifier.to(endpoint("a"))
	require.Len(t, sent, 2)
	assert.Equal(t, "ready", sent[0].Type)
	assert.Equal(t, "recall", sent[1].Type)
	assert.Equal(t, "Table for a (reminder)", sent[1].Title)
	assert.Equal(t, 1, f.get(t, a.CustomerID).RecallCount)
}

func TestRecallThrottledWithinGap(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.join(t, "a")
	_, err := f.engine.Process(ctx, f.location)
	require.NoError(t, err)

	now := f.base
	recaller := newRecaller(f, &now)
	_, _, err = recaller.Recall(ctx, "loc-1", a.CustomerID)
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, _, err = recaller.Recall(ctx, "loc-1", a.CustomerID)
	assert.ErrorIs(t, err, store.ErrTooSoon)

	now = now.Add(time.Second)
	_, _, err = recaller.Recall(ctx, "loc-1", a.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.get(t, a.CustomerID).RecallCount)
	assert.Len(t, f.notifier.to(endpoint("a")), 3)
}

func TestRecallRejectsCustomersNotServing(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	waiting := f.join(t, "a")
	now := f.base
	recaller := newRecaller(f, &now)

	_, _, err := recaller.Recall(ctx, "loc-1", waiting.CustomerID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, _, err = recaller.Recall(ctx, "loc-2", waiting.CustomerID)
	assert.ErrorIs(t, err, store.ErrCustomerNotFound)

	_, _, err = recaller.Recall(ctx, "loc-1", "missing")
	assert.ErrorIs(t, err, store.ErrCustomerNotFound)
	assert.Zero(t, f.notifier.total())
}

func TestRecallPrunesGoneSubscription(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.join(t, "a")
	_, err := f.engine.Process(ctx, f.location)
	require.NoError(t, err)

	f.notifier.sendFn = func(models.Subscription) error { return notify.ErrSubscriptionGone }
	now := f.base
	customer, delivery, err := newRecaller(f, &now).Recall(ctx, "loc-1", a.CustomerID)
	require.NoError(t, err)
	assert.Len(t, customer.Subscriptions, 1)
	assert.Equal(t, 1, delivery.Pruned)
	assert.Empty(t, f.get(t, a.CustomerID).Subscriptions)
}

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/store"
)

func newLocation(t *testing.T, st *Store) string {
	t.Helper()
	st.PutLocation(models.Location{LocationID: "loc-1", Config: models.LocationConfig{Enabled: true, MaxServing: 1}})
	return "loc-1"
}

func TestFindWaitingOrdersByArrivalThenSequence(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	same := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)

	b, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "B", JoinedAt: same})
	require.NoError(t, err)
	c, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "C", JoinedAt: same})
	require.NoError(t, err)
	a, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "A", JoinedAt: same.Add(-time.Minute)})
	require.NoError(t, err)

	waiting, err := st.FindWaiting(ctx, loc)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	assert.Equal(t, []string{a.CustomerID, b.CustomerID, c.CustomerID},
		[]string{waiting[0].CustomerID, waiting[1].CustomerID, waiting[2].CustomerID})

	before, err := st.CountWaitingBefore(ctx, loc, c.JoinedAt, c.Seq)
	require.NoError(t, err)
	assert.Equal(t, 2, before)
}

func TestConditionalPromoteExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "A"})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, time.Now())
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, _, err := st.GetCustomer(ctx, customer.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusServing, got.Status)
	assert.NotNil(t, got.CalledAt)
}

func TestAddMilestoneHasSetSemantics(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc})
	require.NoError(t, err)

	added, err := st.AddMilestone(ctx, customer.CustomerID, 3)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.AddMilestone(ctx, customer.CustomerID, 3)
	require.NoError(t, err)
	assert.False(t, added)

	has, err := st.HasMilestone(ctx, customer.CustomerID, 3)
	require.NoError(t, err)
	assert.True(t, has)

	got, _, _ := st.GetCustomer(ctx, customer.CustomerID)
	assert.Equal(t, []int{3}, got.NotificationFlags)
}

func TestDeleteIfStatus(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc})
	require.NoError(t, err)

	deleted, err := st.DeleteIfStatus(ctx, customer.CustomerID, models.StatusServing)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = st.DeleteIfStatus(ctx, customer.CustomerID, models.StatusWaiting)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err := st.GetCustomer(ctx, customer.CustomerID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompleteCustomerRecordsHistory(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	joined := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "A", JoinedAt: joined})
	require.NoError(t, err)

	_, _, err = st.CompleteCustomer(ctx, loc, customer.CustomerID, joined)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, joined.Add(10*time.Minute))
	require.NoError(t, err)

	done, changed, err := st.CompleteCustomer(ctx, loc, customer.CustomerID, joined.Add(25*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusDone, done.Status)

	_, changed, err = st.CompleteCustomer(ctx, loc, customer.CustomerID, joined.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	history := st.History()
	require.Len(t, history, 1)
	assert.Equal(t, 10, history[0].WaitMinutes)
	assert.Equal(t, 15, history[0].ServiceMinutes)

	_, _, err = st.CompleteCustomer(ctx, "other", customer.CustomerID, joined)
	assert.ErrorIs(t, err, store.ErrCustomerNotFound)
}

func TestRecordRecallThrottles(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "A"})
	require.NoError(t, err)
	at := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

	ok, err := st.RecordRecall(ctx, customer.CustomerID, at, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "waiting customers cannot be recalled")

	_, err = st.ConditionalPromote(ctx, customer.CustomerID, models.WaitingStatuses, at)
	require.NoError(t, err)

	ok, err = st.RecordRecall(ctx, customer.CustomerID, at, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.RecordRecall(ctx, customer.CustomerID, at.Add(59*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.RecordRecall(ctx, customer.CustomerID, at.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := st.GetCustomer(ctx, customer.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecallCount)
	require.NotNil(t, got.LastRecallAt)
	assert.Equal(t, at.Add(time.Minute), *got.LastRecallAt)
}

func TestFindServingOrdersByCallTime(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	loc := newLocation(t, st)
	base := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	a, _ := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "A", JoinedAt: base})
	b, _ := st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "B", JoinedAt: base.Add(time.Second)})
	_, _ = st.CreateCustomer(ctx, store.CreateCustomerInput{LocationID: loc, Name: "C", JoinedAt: base.Add(2 * time.Second)})

	_, err := st.ConditionalPromote(ctx, b.CustomerID, models.WaitingStatuses, base.Add(time.Minute))
	require.NoError(t, err)
	_, err = st.ConditionalPromote(ctx, a.CustomerID, models.WaitingStatuses, base.Add(2*time.Minute))
	require.NoError(t, err)

	serving, err := st.FindServing(ctx, loc)
	require.NoError(t, err)
	require.Len(t, serving, 2)
	assert.Equal(t, b.CustomerID, serving[0].CustomerID)
	assert.Equal(t, a.CustomerID, serving[1].CustomerID)
}

package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/store"
	"qms/walkin-service/internal/store/memory"
)

const pushEndpoint = "https://push.example/sub-1"

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens("s3cret", time.Hour)
	require.NoError(t, err)
	return tokens
}

func seed(t *testing.T, st *memory.Store, locationID string) models.Customer {
	t.Helper()
	st.PutLocation(models.Location{LocationID: locationID, Config: models.LocationConfig{Enabled: true, MaxServing: 1}})
	customer, err := st.CreateCustomer(context.Background(), store.CreateCustomerInput{LocationID: locationID, Name: "Guest"})
	require.NoError(t, err)
	require.NoError(t, st.SaveSubscription(context.Background(), customer.CustomerID, models.Subscription{Endpoint: pushEndpoint}))
	return customer
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens("", time.Hour)
	assert.ErrorIs(t, err, ErrTokensDisabled)
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := newTokens(t)
	raw, err := tokens.Issue("cust-1", "loc-1")
	require.NoError(t, err)

	assert.NoError(t, tokens.Verify(raw, "cust-1", "loc-1"))
	assert.ErrorIs(t, tokens.Verify(raw, "cust-2", "loc-1"), store.ErrAccessDenied)
	assert.ErrorIs(t, tokens.Verify(raw, "cust-1", "loc-2"), store.ErrAccessDenied)
	assert.ErrorIs(t, tokens.Verify(raw+"x", "cust-1", "loc-1"), store.ErrAccessDenied)
	assert.ErrorIs(t, tokens.Verify("not-a-token", "cust-1", "loc-1"), store.ErrAccessDenied)
}

func TestTokenExpires(t *testing.T) {
	tokens := newTokens(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return now }

	raw, err := tokens.Issue("cust-1", "loc-1")
	require.NoError(t, err)
	require.NoError(t, tokens.Verify(raw, "cust-1", "loc-1"))

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, tokens.Verify(raw, "cust-1", "loc-1"), store.ErrAccessDenied)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	other, err := NewTokens("different", time.Hour)
	require.NoError(t, err)
	raw, err := other.Issue("cust-1", "loc-1")
	require.NoError(t, err)

	assert.ErrorIs(t, newTokens(t).Verify(raw, "cust-1", "loc-1"), store.ErrAccessDenied)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(st *memory.Store, c models.Customer)
		request func(tokens *Tokens, c models.Customer) CancelRequest
		wantErr error
		gone    bool
	}{
		{
			name: "own token",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				raw, _ := tokens.Issue(c.CustomerID, c.LocationID)
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Token: raw}
			},
			gone: true,
		},
		{
			name: "registered endpoint",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Endpoint: pushEndpoint}
			},
			gone: true,
		},
		{
			name: "token for another customer",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				raw, _ := tokens.Issue("someone-else", c.LocationID)
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Token: raw}
			},
			wantErr: store.ErrAccessDenied,
		},
		{
			name: "unknown endpoint",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Endpoint: "https://push.example/other"}
			},
			wantErr: store.ErrAccessDenied,
		},
		{
			name: "no credential",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID}
			},
			wantErr: store.ErrAccessDenied,
		},
		{
			name: "serving with valid token",
			prepare: func(st *memory.Store, c models.Customer) {
				st.SetStatus(c.CustomerID, models.StatusServing)
			},
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				raw, _ := tokens.Issue(c.CustomerID, c.LocationID)
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Token: raw}
			},
			wantErr: store.ErrInvalidState,
		},
		{
			name: "serving without credential",
			prepare: func(st *memory.Store, c models.Customer) {
				st.SetStatus(c.CustomerID, models.StatusServing)
			},
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID}
			},
			wantErr: store.ErrInvalidState,
		},
		{
			name: "legacy queued status",
			prepare: func(st *memory.Store, c models.Customer) {
				st.SetStatus(c.CustomerID, models.StatusQueued)
			},
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: c.CustomerID, Endpoint: pushEndpoint}
			},
			wantErr: store.ErrInvalidState,
		},
		{
			name: "other location",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				raw, _ := tokens.Issue(c.CustomerID, c.LocationID)
				return CancelRequest{LocationID: "loc-2", CustomerID: c.CustomerID, Token: raw}
			},
			wantErr: store.ErrCustomerNotFound,
		},
		{
			name: "unknown customer",
			request: func(tokens *Tokens, c models.Customer) CancelRequest {
				return CancelRequest{LocationID: c.LocationID, CustomerID: "missing", Endpoint: pushEndpoint}
			},
			wantErr: store.ErrCustomerNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.NewStore()
			customer := seed(t, st, "loc-1")
			if tt.prepare != nil {
				tt.prepare(st, customer)
			}
			tokens := newTokens(t)
			authority := NewAuthority(st, tokens, nil, nil)

			err := authority.Cancel(context.Background(), tt.request(tokens, customer))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			_, exists, getErr := st.GetCustomer(context.Background(), customer.CustomerID)
			require.NoError(t, getErr)
			assert.Equal(t, !tt.gone, exists)
		})
	}
}

func TestCancelWithoutTokensAcceptsEndpointOnly(t *testing.T) {
	st := memory.NewStore()
	customer := seed(t, st, "loc-1")
	authority := NewAuthority(st, nil, nil, nil)

	err := authority.Cancel(context.Background(), CancelRequest{LocationID: "loc-1", CustomerID: customer.CustomerID, Token: "anything"})
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	err = authority.Cancel(context.Background(), CancelRequest{LocationID: "loc-1", CustomerID: customer.CustomerID, Endpoint: pushEndpoint})
	assert.NoError(t, err)
}

// promotingStore promotes the customer between the state check and the delete.
type promotingStore struct {
	*memory.Store
}

func (s promotingStore) DeleteIfStatus(ctx context.Context, customerID, expectedStatus string) (bool, error) {
	s.SetStatus(customerID, models.StatusServing)
	return s.Store.DeleteIfStatus(ctx, customerID, expectedStatus)
}

func TestCancelLosesRaceToPromotion(t *testing.T) {
	st := memory.NewStore()
	customer := seed(t, st, "loc-1")
	authority := NewAuthority(promotingStore{st}, nil, nil, nil)

	err := authority.Cancel(context.Background(), CancelRequest{LocationID: "loc-1", CustomerID: customer.CustomerID, Endpoint: pushEndpoint})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	current, ok, getErr := st.GetCustomer(context.Background(), customer.CustomerID)
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, models.StatusServing, current.Status)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error) {
	return models.Customer{}, false, errors.New("connection refused")
}

func TestCancelStoreError(t *testing.T) {
	authority := NewAuthority(failingStore{memory.NewStore()}, nil, nil, nil)
	err := authority.Cancel(context.Background(), CancelRequest{LocationID: "loc-1", CustomerID: "c"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrCustomerNotFound))
}

// Package memory is an in-process QueueStore with the same conditional-update
// semantics as the Postgres store. It backs STORE_DRIVER=memory and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/settings"
	"qms/walkin-service/internal/store"
)

type HistoryEntry struct {
	LocationID     string
	CustomerName   string
	JoinedAt       time.Time
	CompletedAt    time.Time
	WaitMinutes    int
	ServiceMinutes int
}

type Store struct {
	mu        sync.Mutex
	seq       int64
	locations map[string]models.Location
	order     []string
	customers map[string]*models.Customer
	history   []HistoryEntry
}

func NewStore() *Store {
	return &Store{
		locations: make(map[string]models.Location),
		customers: make(map[string]*models.Customer),
	}
}

func (s *Store) PutLocation(location models.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[location.LocationID]; !ok {
		s.order = append(s.order, location.LocationID)
	}
	s.locations[location.LocationID] = location
}

// PutLocationSettings stores a location from its raw settings document.
func (s *Store) PutLocationSettings(locationID, name string, raw []byte) error {
	cfg, err := settings.Normalize(raw)
	if err != nil {
		return err
	}
	s.PutLocation(models.Location{LocationID: locationID, Name: name, Config: cfg})
	return nil
}

func (s *Store) ListEnabledLocations(ctx context.Context) ([]models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var locations []models.Location
	for _, id := range s.order {
		location := s.locations[id]
		if location.Config.Enabled {
			locations = append(locations, location)
		}
	}
	return locations, nil
}

func (s *Store) GetLocation(ctx context.Context, locationID string) (models.Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	location, ok := s.locations[locationID]
	return location, ok, nil
}

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[input.LocationID]; !ok {
		return models.Customer{}, store.ErrLocationNotFound
	}
	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	s.seq++
	customer := &models.Customer{
		CustomerID:        uuid.NewString(),
		LocationID:        input.LocationID,
		Name:              input.Name,
		Comment:           input.Comment,
		Status:            models.StatusWaiting,
		JoinedAt:          joinedAt,
		Seq:               s.seq,
		NotificationFlags: []int{},
	}
	s.customers[customer.CustomerID] = customer
	return cloneCustomer(customer), nil
}

// SetStatus overwrites a customer's status without any guard. It stands in for
// writers outside the state machine, such as legacy clients.
func (s *Store) SetStatus(customerID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if customer, ok := s.customers[customerID]; ok {
		customer.Status = status
	}
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok {
		return models.Customer{}, false, nil
	}
	return cloneCustomer(customer), true, nil
}

func (s *Store) FindWaiting(ctx context.Context, locationID string) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []models.Customer
	for _, customer := range s.customers {
		if customer.LocationID == locationID && models.IsWaiting(customer.Status) {
			waiting = append(waiting, cloneCustomer(customer))
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return arrivedBefore(waiting[i].JoinedAt, waiting[i].Seq, waiting[j].JoinedAt, waiting[j].Seq)
	})
	return waiting, nil
}

func (s *Store) FindServing(ctx context.Context, locationID string) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var serving []models.Customer
	for _, customer := range s.customers {
		if customer.LocationID == locationID && customer.Status == models.StatusServing {
			serving = append(serving, cloneCustomer(customer))
		}
	}
	sort.Slice(serving, func(i, j int) bool {
		a, b := serving[i], serving[j]
		if at, bt := calledOrZero(a), calledOrZero(b); !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.Seq < b.Seq
	})
	return serving, nil
}

func (s *Store) CountServing(ctx context.Context, locationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, customer := range s.customers {
		if customer.LocationID == locationID && customer.Status == models.StatusServing {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, locationID string, joinedAt time.Time, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, customer := range s.customers {
		if customer.LocationID != locationID || !models.IsWaiting(customer.Status) {
			continue
		}
		if arrivedBefore(customer.JoinedAt, customer.Seq, joinedAt, seq) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ConditionalPromote(ctx context.Context, customerID string, expected []string, calledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok || !slices.Contains(expected, customer.Status) {
		return false, nil
	}
	called := calledAt
	customer.Status = models.StatusServing
	customer.CalledAt = &called
	return true, nil
}

func (s *Store) AddMilestone(ctx context.Context, customerID string, milestone int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok || customer.HasMilestone(milestone) {
		return false, nil
	}
	customer.NotificationFlags = append(customer.NotificationFlags, milestone)
	return true, nil
}

func (s *Store) HasMilestone(ctx context.Context, customerID string, milestone int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok {
		return false, nil
	}
	return customer.HasMilestone(milestone), nil
}

func (s *Store) SaveSubscription(ctx context.Context, customerID string, sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok {
		return store.ErrCustomerNotFound
	}
	for i, existing := range customer.Subscriptions {
		if existing.Endpoint == sub.Endpoint {
			customer.Subscriptions[i] = sub
			return nil
		}
	}
	customer.Subscriptions = append(customer.Subscriptions, sub)
	return nil
}

func (s *Store) RemoveSubscription(ctx context.Context, customerID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok {
		return nil
	}
	kept := customer.Subscriptions[:0]
	for _, sub := range customer.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	customer.Subscriptions = kept
	return nil
}

func (s *Store) RecordRecall(ctx context.Context, customerID string, at time.Time, minGap time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok || customer.Status != models.StatusServing {
		return false, nil
	}
	if customer.LastRecallAt != nil && at.Sub(*customer.LastRecallAt) < minGap {
		return false, nil
	}
	recalled := at
	customer.LastRecallAt = &recalled
	customer.RecallCount++
	return true, nil
}

func (s *Store) DeleteIfStatus(ctx context.Context, customerID, expectedStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok || customer.Status != expectedStatus {
		return false, nil
	}
	delete(s.customers, customerID)
	return true, nil
}

func (s *Store) CompleteCustomer(ctx context.Context, locationID, customerID string, completedAt time.Time) (models.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[customerID]
	if !ok || customer.LocationID != locationID {
		return models.Customer{}, false, store.ErrCustomerNotFound
	}
	if customer.Status == models.StatusDone {
		return cloneCustomer(customer), false, nil
	}
	if !store.ActionComplete.Allows(customer.Status) {
		return models.Customer{}, false, store.ErrInvalidState
	}
	completed := completedAt
	customer.Status = models.StatusDone
	customer.CompletedAt = &completed

	called := completed
	if customer.CalledAt != nil {
		called = *customer.CalledAt
	}
	s.history = append(s.history, HistoryEntry{
		LocationID:     locationID,
		CustomerName:   customer.Name,
		JoinedAt:       customer.JoinedAt,
		CompletedAt:    completed,
		WaitMinutes:    store.MinutesBetween(customer.JoinedAt, called),
		ServiceMinutes: store.MinutesBetween(called, completed),
	})
	return cloneCustomer(customer), true, nil
}

func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

func arrivedBefore(aJoined time.Time, aSeq int64, bJoined time.Time, bSeq int64) bool {
	if !aJoined.Equal(bJoined) {
		return aJoined.Before(bJoined)
	}
	return aSeq < bSeq
}

func calledOrZero(c models.Customer) time.Time {
	if c.CalledAt == nil {
		return time.Time{}
	}
	return *c.CalledAt
}

func cloneCustomer(c *models.Customer) models.Customer {
	out := *c
	out.NotificationFlags = append([]int{}, c.NotificationFlags...)
	out.Subscriptions = append([]models.Subscription(nil), c.Subscriptions...)
	if c.CalledAt != nil {
		called := *c.CalledAt
		out.CalledAt = &called
	}
	if c.CompletedAt != nil {
		completed := *c.CompletedAt
		out.CompletedAt = &completed
	}
	if c.LastRecallAt != nil {
		recalled := *c.LastRecallAt
		out.LastRecallAt = &recalled
	}
	return out
}

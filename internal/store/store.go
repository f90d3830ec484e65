package store

import (
	"context"
	"math"
	"time"

	"qms/walkin-service/internal/models"
)

type CreateCustomerInput struct {
	LocationID string
	Name       string
	Comment    string
	JoinedAt   time.Time
}

// LocationStore exposes locations with their configuration already normalized.
type LocationStore interface {
	ListEnabledLocations(ctx context.Context) ([]models.Location, error)
	GetLocation(ctx context.Context, locationID string) (models.Location, bool, error)
}

// MilestoneStore persists which notification milestones a customer has been sent.
type MilestoneStore interface {
	// AddMilestone adds milestone to the customer's set and reports whether
	// this call was the one that added it.
	AddMilestone(ctx context.Context, customerID string, milestone int) (bool, error)
	HasMilestone(ctx context.Context, customerID string, milestone int) (bool, error)
	RemoveSubscription(ctx context.Context, customerID, endpoint string) error
}

type CustomerStore interface {
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (models.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error)
	// FindWaiting returns waiting customers of a location in arrival order.
	FindWaiting(ctx context.Context, locationID string) ([]models.Customer, error)
	// FindServing returns serving customers of a location in call order.
	FindServing(ctx context.Context, locationID string) ([]models.Customer, error)
	CountServing(ctx context.Context, locationID string) (int, error)
	CountWaitingBefore(ctx context.Context, locationID string, joinedAt time.Time, seq int64) (int, error)
	// ConditionalPromote moves the customer to serving only while its status is
	// one of expected.
	ConditionalPromote(ctx context.Context, customerID string, expected []string, calledAt time.Time) (bool, error)
	DeleteIfStatus(ctx context.Context, customerID, expectedStatus string) (bool, error)
	CompleteCustomer(ctx context.Context, locationID, customerID string, completedAt time.Time) (models.Customer, bool, error)
	SaveSubscription(ctx context.Context, customerID string, sub models.Subscription) error
	// RecordRecall stamps a manual recall on a serving customer whose previous
	// recall is at least minGap old. It reports false when nothing changed.
	RecordRecall(ctx context.Context, customerID string, at time.Time, minGap time.Duration) (bool, error)
}

type QueueStore interface {
	LocationStore
	MilestoneStore
	CustomerStore
}

// MinutesBetween is the whole-minute distance from start to end, never negative.
func MinutesBetween(start, end time.Time) int {
	minutes := int(math.Round(end.Sub(start).Minutes()))
	if minutes < 0 {
		return 0
	}
	return minutes
}

package models

import (
	"slices"
	"time"
)

type Customer struct {
	CustomerID        string         `json:"customer_id"`
	LocationID        string         `json:"location_id"`
	Name              string         `json:"name"`
	Comment           string         `json:"comment,omitempty"`
	Status            string         `json:"status"`
	JoinedAt          time.Time      `json:"joined_at"`
	Seq               int64          `json:"seq"`
	CalledAt          *time.Time     `json:"called_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	LastRecallAt      *time.Time     `json:"last_recall_at,omitempty"`
	RecallCount       int            `json:"recall_count"`
	NotificationFlags []int          `json:"notification_flags"`
	Subscriptions     []Subscription `json:"-"`
}

// Subscription is a Web Push endpoint registered by the customer's browser.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusDone    = "done"

	// Legacy spellings of waiting written by older join clients.
	StatusQueued     = "queued"
	StatusQueuedWait = "queued_wait"
)

const (
	MilestoneReady     = 0
	MilestoneNearOne   = 1
	MilestoneNearThree = 3
)

// WaitingStatuses lists every status the promotion guard treats as waiting.
var WaitingStatuses = []string{StatusWaiting, StatusQueued, StatusQueuedWait}

func IsWaiting(status string) bool {
	return slices.Contains(WaitingStatuses, status)
}

func IsNearMilestone(remaining int) bool {
	return remaining == MilestoneNearThree || remaining == MilestoneNearOne
}

func (c Customer) HasMilestone(milestone int) bool {
	return slices.Contains(c.NotificationFlags, milestone)
}

func (c Customer) HasEndpoint(endpoint string) bool {
	for _, sub := range c.Subscriptions {
		if sub.Endpoint == endpoint {
			return true
		}
	}
	return false
}

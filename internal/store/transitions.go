package store

import (
	"slices"

	"qms/walkin-service/internal/models"
)

// Action is a lifecycle move applied to a customer.
type Action string

const (
	ActionPromote  Action = "promote"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// From lists the statuses the action may start from.
func (a Action) From() []string {
	switch a {
	case ActionPromote:
		return models.WaitingStatuses
	case ActionComplete:
		return []string{models.StatusServing}
	case ActionCancel:
		return []string{models.StatusWaiting}
	}
	return nil
}

// Allows reports whether a customer in status may take the action.
func (a Action) Allows(status string) bool {
	return slices.Contains(a.From(), status)
}

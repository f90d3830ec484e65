package notify

import (
	"context"

	"github.com/pkg/errors"

	"qms/walkin-service/internal/models"
)

// ErrSubscriptionGone marks a permanent delivery failure: the push service no
// longer knows the endpoint and the subscription should be dropped.
var ErrSubscriptionGone = errors.New("subscription gone")

type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "transient_failure"
	}
}

type Payload struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Notifier delivers a payload to one subscription. A nil error means the push
// service accepted it; an error wrapping ErrSubscriptionGone is permanent and
// any other error is transient.
type Notifier interface {
	Send(ctx context.Context, sub models.Subscription, payload Payload) error
}

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrSubscriptionGone):
		return PermanentFailure
	default:
		return TransientFailure
	}
}

package subscription

import (
	"errors"
	"fmt"

	"github.com/resumelift/creditengine/app/models"
)

// ErrInvalidTransition marks a status/event pair outside the transition
// table. The machine fails closed: nothing is coerced.
var ErrInvalidTransition = errors.New("invalid subscription transition")

// Event is a subscription lifecycle trigger, either billing-driven or
// time-driven.
type Event string

const (
	EventTrialStarted     Event = "trial_started"
	EventTrialElapsed     Event = "trial_elapsed"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentRecovered Event = "payment_recovered"
	EventGraceElapsed     Event = "grace_elapsed"
	EventUserCancelled    Event = "user_cancelled"
)

// transitions is the full table of valid moves. cancelled and expired are
// re-entrant: a new confirmed payment reactivates the account.
var transitions = map[string]map[Event]string{
	models.SubscriptionInactive: {
		EventTrialStarted:     models.SubscriptionTrialing,
		EventPaymentConfirmed: models.SubscriptionActive,
	},
	models.SubscriptionTrialing: {
		EventTrialElapsed:     models.SubscriptionExpired,
		EventPaymentConfirmed: models.SubscriptionActive,
	},
	models.SubscriptionActive: {
		EventPaymentFailed: models.SubscriptionPastDue,
		EventUserCancelled: models.SubscriptionCancelled,
	},
	models.SubscriptionPastDue: {
		EventPaymentRecovered: models.SubscriptionActive,
		EventGraceElapsed:     models.SubscriptionCancelled,
	},
	models.SubscriptionCancelled: {
		EventPaymentConfirmed: models.SubscriptionActive,
	},
	models.SubscriptionExpired: {
		EventPaymentConfirmed: models.SubscriptionActive,
	},
}

// Next returns the status after applying event, or ErrInvalidTransition when
// the pair is not in the table.
func Next(status string, event Event) (string, error) {
	if next, ok := transitions[status][event]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, event)
}

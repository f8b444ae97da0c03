package lifecycle

import (
	"errors"
	"fmt"

	"homeai-bot/internal/domain"
)

// ErrInvalidTransition is returned when an event does not apply to the
// tenant's current stage.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// ErrNoOnboarding is returned for a domain that has no onboarding flow.
var ErrNoOnboarding = errors.New("lifecycle: domain has no onboarding")

// Event drives the subscription lifecycle.
type Event string

const (
	EventCheckoutStarted  Event = "checkout_started"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventSetupCompleted   Event = "setup_completed"
	EventCancelled        Event = "cancelled"
	EventReactivated      Event = "reactivated"
)

var transitions = map[domain.Lifecycle]map[Event]domain.Lifecycle{
	domain.LifecycleAcquisition: {
		EventCheckoutStarted: domain.LifecyclePaymentPending,
	},
	domain.LifecyclePaymentPending: {
		EventPaymentConfirmed: domain.LifecycleSetup,
	},
	domain.LifecycleSetup: {
		EventSetupCompleted: domain.LifecycleManagement,
	},
	domain.LifecycleManagement: {
		EventCancelled: domain.LifecycleCancelled,
	},
	domain.LifecycleCancelled: {
		EventReactivated: domain.LifecycleAcquisition,
	},
}

// Next returns the stage reached from `from` on ev.
func Next(from domain.Lifecycle, ev Event) (domain.Lifecycle, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

package charge

import (
	"fmt"

	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
)

// State represents where a single charge attempt is in its lifecycle.
type State string

const (
	StateInitiated  State = "initiated"
	StateTokenReady State = "token_ready"
	StateSubmitted  State = "submitted"
	StateRefreshing State = "refreshing"
	StateCaptured   State = "captured"
	StateCancelled  State = "cancelled"
	StateRefunded   State = "refunded"
	StateDeclined   State = "declined"
	StateFailed     State = "failed"
)

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// Decimal renders the amount the way the provider wire format expects,
// without going through floating point.
func (a Amount) Decimal() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d", whole, frac)
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Decimal(), a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	if a.ValueCents <= 0 {
		return errors.ErrInvalidAmount
	}
	if len(a.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter code")
	}
	return nil
}

// Attempt tracks the state machine for one charge submission:
// initiated -> token_ready -> submitted -> terminal, with a single
// refreshing -> submitted loop allowed when the provider signals an expired
// token mid-flight. No transition may be skipped.
type Attempt struct {
	State     State
	Refreshed bool

	submitted bool
}

// NewAttempt starts a charge attempt in the initiated state.
func NewAttempt() *Attempt {
	return &Attempt{State: StateInitiated}
}

// CanTransitionTo checks if the attempt can move to the given state.
func (a *Attempt) CanTransitionTo(next State) bool {
	transitions := map[State][]State{
		StateInitiated:  {StateTokenReady, StateFailed},
		StateTokenReady: {StateSubmitted, StateFailed},
		StateSubmitted: {
			StateCaptured,
			StateCancelled,
			StateRefunded,
			StateDeclined,
			StateRefreshing,
			StateFailed,
		},
		StateRefreshing: {StateSubmitted, StateFailed},
		StateCaptured:   {},
		StateCancelled:  {},
		StateRefunded:   {},
		StateDeclined:   {},
		StateFailed:     {},
	}

	allowed, ok := transitions[a.State]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves the attempt to the given state, enforcing the
// refresh-at-most-once rule.
func (a *Attempt) Transition(next State) error {
	if !a.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_charge_transition",
			fmt.Sprintf("cannot transition charge from %s to %s", a.State, next),
			errors.ErrInvalidStateTransition,
		)
	}
	if next == StateRefreshing {
		if a.Refreshed {
			return errors.NewDomainError(
				"refresh_exhausted",
				"token refresh already attempted for this charge",
				errors.ErrInvalidStateTransition,
			)
		}
		a.Refreshed = true
	}
	if next == StateSubmitted {
		a.submitted = true
	}
	a.State = next
	return nil
}

// Terminal reports whether the attempt reached a final state.
func (a *Attempt) Terminal() bool {
	switch a.State {
	case StateCaptured, StateCancelled, StateRefunded, StateDeclined, StateFailed:
		return true
	}
	return false
}

// Submitted reports whether the charge was ever handed to the provider,
// including attempts that failed afterwards. A charge that never reached the
// provider must not be reported as created; one that did may have moved
// money even when the response was lost.
func (a *Attempt) Submitted() bool {
	return a.submitted
}

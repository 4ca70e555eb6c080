package payment

import (
	"time"

	"github.com/frahmantamala/payment-reconciliation/internal"
	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
)

// ErrTerminalTransition is the programming-error condition for an attempted
// move out of a terminal state. Callers log it at high severity and apply no
// mutation.
var ErrTerminalTransition = internal.NewConflictError("payment already in terminal state", internal.ErrCodeTerminalTransition)

var ErrInvalidTransition = internal.NewInternalError("payment status transition not allowed", internal.ErrCodeInvalidTransition)

// allowedTransitions is the full lifecycle graph. pending→pending is the
// inconclusive retry edge; the three terminal states absorb nothing.
var allowedTransitions = map[string][]string{
	paymentmodel.StatusPending: {
		paymentmodel.StatusPending,
		paymentmodel.StatusCompleted,
		paymentmodel.StatusFailed,
		paymentmodel.StatusCancelled,
	},
	paymentmodel.StatusCompleted: {},
	paymentmodel.StatusFailed:    {},
	paymentmodel.StatusCancelled: {},
}

func CanTransition(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates the payment's status in memory after checking the
// graph. It returns false with a nil error when the transition re-asserts the
// current terminal state: that is the idempotent no-op the webhook and job
// paths both rely on. A contradicting transition out of a terminal state
// returns ErrTerminalTransition without touching the payment.
func ApplyTransition(p *paymentmodel.Payment, to string, now time.Time) (bool, error) {
	if p.IsTerminal() {
		if p.Status == to {
			return false, nil
		}
		return false, ErrTerminalTransition
	}

	if !CanTransition(p.Status, to) {
		return false, ErrInvalidTransition
	}

	p.Status = to
	p.UpdatedAt = now
	if to == paymentmodel.StatusCompleted {
		confirmed := now
		p.ConfirmedAt = &confirmed
	}
	return true, nil
}

package gateway

import (
	"context"
	"encoding/json"
	"time"

	errors "github.com/frahmantamala/payment-reconciliation/internal"
)

// OutcomeKind is the closed set of answers a gateway can give about a
// transaction. Transport, auth and decode problems all collapse into
// KindAdapterError so the caller's retry decision is a total function of the
// kind, never of error class.
type OutcomeKind string

const (
	KindSucceeded    OutcomeKind = "succeeded"
	KindStillPending OutcomeKind = "still_pending"
	KindFailed       OutcomeKind = "failed"
	KindNotFound     OutcomeKind = "not_found"
	KindAdapterError OutcomeKind = "adapter_error"
)

// Settlement is the confirmation data attached to a succeeded outcome.
type Settlement struct {
	TransactionID string          `json:"transaction_id"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	SettledAt     time.Time       `json:"settled_at"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

type Outcome struct {
	Kind       OutcomeKind
	Settlement *Settlement // KindSucceeded
	Substate   string      // KindStillPending, the gateway's native status
	Reason     string      // KindFailed
	Cause      error       // KindAdapterError
}

func Succeeded(s *Settlement) Outcome {
	return Outcome{Kind: KindSucceeded, Settlement: s}
}

func StillPending(substate string) Outcome {
	return Outcome{Kind: KindStillPending, Substate: substate}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason}
}

func NotFound() Outcome {
	return Outcome{Kind: KindNotFound}
}

func AdapterError(cause error) Outcome {
	return Outcome{Kind: KindAdapterError, Cause: cause}
}

// Credentials is the minimal credential set an adapter needs for one call,
// resolved from the payment's bound account.
type Credentials struct {
	APIKey     string
	APISecret  string
	MerchantID string
	Sandbox    bool
}

// StatusAdapter asks a gateway for the current state of a transaction. It is
// a pure read: no adapter implementation mutates anything, and none returns a
// Go error. Everything exceptional is the AdapterError outcome.
type StatusAdapter interface {
	Name() string
	FetchStatus(ctx context.Context, creds Credentials, externalRef string) Outcome
}

// Registry resolves a gateway name to its adapter exactly once at the edge;
// nothing deeper in the call stack dispatches on gateway names.
type Registry struct {
	adapters map[string]StatusAdapter
}

func NewRegistry(adapters ...StatusAdapter) *Registry {
	r := &Registry{adapters: make(map[string]StatusAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Register(a StatusAdapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Resolve(name string) (StatusAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, errors.NewNotFoundError("no adapter registered for gateway "+name, errors.ErrCodeGatewayUnknown)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

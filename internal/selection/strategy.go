package selection

import (
	"github.com/frahmantamala/payment-reconciliation/internal"
)

// Strategy is the closed set of account picking strategies. Configuration
// strings are parsed once at the edge; an unknown name is a programming-error
// condition, not something the hot path discovers.
type Strategy int

const (
	StrategyLeastUsed Strategy = iota
	StrategyRoundRobin
	StrategyWeighted
	StrategyManual
	StrategyRandom
)

var strategyNames = map[Strategy]string{
	StrategyLeastUsed:  "least_used",
	StrategyRoundRobin: "round_robin",
	StrategyWeighted:   "weighted",
	StrategyManual:     "manual",
	StrategyRandom:     "random",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, internal.NewInternalError("unknown selection strategy "+name, internal.ErrCodeUnknownStrategy)
}

package selection

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-reconciliation/internal"
	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/account"
)

var ErrNoAccountAvailable = internal.NewNotFoundError("no payment account available", internal.ErrCodeNoAccountAvailable)

type AccountRepository interface {
	ActiveByGateway(gateway string) ([]*account.PaymentAccount, error)
}

type RecordRepository interface {
	Create(rec *account.SelectionRecord) error
}

type PolicyRepository interface {
	// ForGateway returns the policy named after the gateway, falling back to
	// the "global" row; (nil, nil) means no policy rows are configured.
	ForGateway(gateway string) (*account.SelectionPolicy, error)
	UpdateCursor(policyID, accountID int64) error
}

// SelectionContext carries the transaction attributes the engine filters on.
type SelectionContext struct {
	Currency           string
	Country            string
	ExcludedAccountIDs []int64
}

type Result struct {
	Account       *account.PaymentAccount
	Strategy      Strategy
	WasFallback   bool
	Justification string
}

// Engine picks a payment account for a gateway using the configured policy.
// Every invocation writes a SelectionRecord, also on failure: the records
// table is the only audit trail for why a credential set was chosen.
type Engine struct {
	accounts AccountRepository
	records  RecordRepository
	policies PolicyRepository
	defaults *account.SelectionPolicy
	logger   *slog.Logger
	now      func() time.Time
	intn     func(n int) int

	// in-process round robin cursors per gateway, used when no policy row
	// exists to persist the cursor on
	mu      sync.Mutex
	cursors map[string]int64
}

func NewEngine(accounts AccountRepository, records RecordRepository, policies PolicyRepository, cfg internal.SelectionConfig, logger *slog.Logger) *Engine {
	return &Engine{
		accounts: accounts,
		records:  records,
		policies: policies,
		defaults: policyFromConfig(cfg),
		logger:   logger,
		now:      time.Now,
		intn:     rand.Intn,
		cursors:  make(map[string]int64),
	}
}

// WithClock and WithRand override time and randomness sources, used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithRand(intn func(n int) int) *Engine {
	e.intn = intn
	return e
}

func policyFromConfig(cfg internal.SelectionConfig) *account.SelectionPolicy {
	return &account.SelectionPolicy{
		Name:                "global",
		Strategy:            cfg.Strategy,
		EnableFallback:      cfg.EnableFallback,
		MaxFallbackAttempts: cfg.MaxFallbackAttempts,
		ExcludeFailed:       cfg.ExcludeFailed,
		CooldownMinutes:     cfg.CooldownMinutes,
		LoadBalance:         cfg.LoadBalance,
		MaxLoadPercent:      cfg.MaxLoadPercent,
	}
}

// Select runs the selection algorithm: load active accounts for the gateway
// matching the context, drop excluded and cooling-down accounts, drop
// overloaded accounts unless that empties the set, apply the strategy, and
// relax constraints stepwise when fallback is enabled.
func (e *Engine) Select(ctx context.Context, gatewayName string, sel SelectionContext) (*Result, error) {
	start := e.now()

	policy, err := e.resolvePolicy(gatewayName)
	if err != nil {
		e.writeRecord(gatewayName, "", nil, nil, false, "policy lookup failed: "+err.Error(), start)
		return nil, err
	}

	strategy, err := ParseStrategy(policy.Strategy)
	if err != nil {
		e.logger.Error("selection policy carries unknown strategy",
			"gateway", gatewayName,
			"strategy", policy.Strategy)
		e.writeRecord(gatewayName, policy.Strategy, nil, nil, false, "unknown strategy, selection aborted", start)
		return nil, err
	}

	base, err := e.loadCandidates(gatewayName, sel)
	if err != nil {
		e.writeRecord(gatewayName, strategy.String(), nil, nil, false, "account lookup failed: "+err.Error(), start)
		return nil, err
	}

	// relaxation schedule: strict first, then excluded/cooldown constraints
	// dropped, then load constraints dropped
	passes := []struct {
		relaxExcluded bool
		relaxLoad     bool
	}{
		{false, false},
		{true, false},
		{true, true},
	}
	maxPasses := 1
	if policy.EnableFallback {
		maxPasses += policy.MaxFallbackAttempts
		if maxPasses > len(passes) {
			maxPasses = len(passes)
		}
	}

	for i := 0; i < maxPasses; i++ {
		pass := passes[i]
		candidates := e.filterCandidates(base, sel, policy, pass.relaxExcluded, pass.relaxLoad)
		if len(candidates) == 0 {
			continue
		}

		chosen, justification := e.pick(strategy, policy, gatewayName, candidates)
		wasFallback := i > 0
		if wasFallback {
			justification = "fallback: constraints relaxed; " + justification
		}

		e.writeRecord(gatewayName, strategy.String(), chosen, candidates, wasFallback, justification, start)

		if strategy == StrategyRoundRobin {
			e.advanceCursor(gatewayName, policy, chosen.ID)
		}

		e.logger.Info("payment account selected",
			"gateway", gatewayName,
			"account_id", chosen.ID,
			"strategy", strategy.String(),
			"was_fallback", wasFallback)

		return &Result{
			Account:       chosen,
			Strategy:      strategy,
			WasFallback:   wasFallback,
			Justification: justification,
		}, nil
	}

	e.writeRecord(gatewayName, strategy.String(), nil, base, policy.EnableFallback, "no account available after all passes", start)
	e.logger.Warn("no payment account available",
		"gateway", gatewayName,
		"currency", sel.Currency,
		"excluded", sel.ExcludedAccountIDs)
	return nil, ErrNoAccountAvailable
}

func (e *Engine) resolvePolicy(gatewayName string) (*account.SelectionPolicy, error) {
	policy, err := e.policies.ForGateway(gatewayName)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = e.defaults
	}
	return policy, nil
}

func (e *Engine) loadCandidates(gatewayName string, sel SelectionContext) ([]*account.PaymentAccount, error) {
	accounts, err := e.accounts.ActiveByGateway(gatewayName)
	if err != nil {
		return nil, err
	}
	matched := make([]*account.PaymentAccount, 0, len(accounts))
	for _, a := range accounts {
		if !a.SupportsCurrency(sel.Currency) || !a.SupportsCountry(sel.Country) {
			continue
		}
		matched = append(matched, a)
	}
	return matched, nil
}

func (e *Engine) filterCandidates(base []*account.PaymentAccount, sel SelectionContext, policy *account.SelectionPolicy, relaxExcluded, relaxLoad bool) []*account.PaymentAccount {
	now := e.now()

	candidates := base
	if !relaxExcluded {
		filtered := make([]*account.PaymentAccount, 0, len(candidates))
		for _, a := range candidates {
			if containsID(sel.ExcludedAccountIDs, a.ID) {
				continue
			}
			if policy.ExcludeFailed && a.UnderCooldown(now) {
				continue
			}
			filtered = append(filtered, a)
		}
		candidates = filtered
	}

	if policy.LoadBalance && !relaxLoad && len(candidates) > 1 {
		// drop accounts over the load threshold unless that would empty the
		// set, in which case load balancing is skipped for this call
		var total int64
		for _, a := range candidates {
			total += a.SuccessCount + a.FailureCount
		}
		if total > 0 {
			filtered := make([]*account.PaymentAccount, 0, len(candidates))
			for _, a := range candidates {
				share := (a.SuccessCount + a.FailureCount) * 100 / total
				if share > int64(policy.MaxLoadPercent) {
					continue
				}
				filtered = append(filtered, a)
			}
			if len(filtered) > 0 {
				candidates = filtered
			}
		}
	}

	return candidates
}

func (e *Engine) pick(strategy Strategy, policy *account.SelectionPolicy, gatewayName string, candidates []*account.PaymentAccount) (*account.PaymentAccount, string) {
	switch strategy {
	case StrategyLeastUsed:
		return pickLeastUsed(candidates), "lowest successful transaction count"
	case StrategyRoundRobin:
		return pickRoundRobin(candidates, e.cursor(gatewayName, policy)), "successor of previous selection"
	case StrategyWeighted:
		return e.pickWeighted(candidates, policy), "weighted random over policy weights"
	case StrategyManual:
		return pickManual(candidates, policy), "lowest configured priority"
	case StrategyRandom:
		return candidates[e.intn(len(candidates))], "uniform random"
	default:
		// ParseStrategy guards this; kept for totality
		return candidates[0], "default pick"
	}
}

func pickLeastUsed(candidates []*account.PaymentAccount) *account.PaymentAccount {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.SuccessCount < best.SuccessCount {
			best = a
			continue
		}
		if a.SuccessCount == best.SuccessCount && earlierUse(a, best) {
			best = a
		}
	}
	return best
}

func earlierUse(a, b *account.PaymentAccount) bool {
	if a.LastUsedAt == nil {
		return b.LastUsedAt != nil
	}
	if b.LastUsedAt == nil {
		return false
	}
	return a.LastUsedAt.Before(*b.LastUsedAt)
}

func pickRoundRobin(candidates []*account.PaymentAccount, cursor int64) *account.PaymentAccount {
	sorted := make([]*account.PaymentAccount, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, a := range sorted {
		if a.ID > cursor {
			return a
		}
	}
	// wrap around
	return sorted[0]
}

func (e *Engine) cursor(gatewayName string, policy *account.SelectionPolicy) int64 {
	if policy.ID != 0 {
		return policy.RoundRobinCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[gatewayName]
}

// advanceCursor records the last chosen account: on the policy row when one
// exists, otherwise in process per gateway.
func (e *Engine) advanceCursor(gatewayName string, policy *account.SelectionPolicy, accountID int64) {
	if policy.ID == 0 {
		e.mu.Lock()
		e.cursors[gatewayName] = accountID
		e.mu.Unlock()
		return
	}
	policy.RoundRobinCursor = accountID
	if err := e.policies.UpdateCursor(policy.ID, accountID); err != nil {
		e.logger.Error("failed to persist round robin cursor",
			"policy_id", policy.ID,
			"account_id", accountID,
			"error", err)
	}
}

func (e *Engine) pickWeighted(candidates []*account.PaymentAccount, policy *account.SelectionPolicy) *account.PaymentAccount {
	total := 0
	for _, a := range candidates {
		total += policy.WeightFor(a.ID)
	}
	if total <= 0 {
		return candidates[e.intn(len(candidates))]
	}
	n := e.intn(total)
	for _, a := range candidates {
		n -= policy.WeightFor(a.ID)
		if n < 0 {
			return a
		}
	}
	return candidates[len(candidates)-1]
}

func pickManual(candidates []*account.PaymentAccount, policy *account.SelectionPolicy) *account.PaymentAccount {
	lowest := policy.PriorityFor(candidates[0].ID)
	tied := []*account.PaymentAccount{candidates[0]}
	for _, a := range candidates[1:] {
		p := policy.PriorityFor(a.ID)
		switch {
		case p < lowest:
			lowest = p
			tied = []*account.PaymentAccount{a}
		case p == lowest:
			tied = append(tied, a)
		}
	}
	return pickLeastUsed(tied)
}

func (e *Engine) writeRecord(gatewayName, strategy string, chosen *account.PaymentAccount, candidates []*account.PaymentAccount, wasFallback bool, justification string, start time.Time) {
	ids := make([]int64, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}
	rawIDs, _ := json.Marshal(ids)

	rec := &account.SelectionRecord{
		ID:            uuid.New().String(),
		Gateway:       gatewayName,
		Strategy:      strategy,
		CandidateIDs:  rawIDs,
		Justification: justification,
		WasFallback:   wasFallback,
		LatencyMicros: e.now().Sub(start).Microseconds(),
		CreatedAt:     e.now(),
	}
	if chosen != nil {
		id := chosen.ID
		rec.AccountID = &id
	}

	if err := e.records.Create(rec); err != nil {
		e.logger.Error("failed to write selection record",
			"gateway", gatewayName,
			"strategy", strategy,
			"error", err)
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

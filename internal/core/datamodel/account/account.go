package account

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// PaymentAccount is one credential set bound to a gateway. Accounts are soft
// disabled via the active flag, never deleted, so selection records keep
// their linkage. Counters are only touched when a payment reaches a terminal
// state under this account.
type PaymentAccount struct {
	ID            int64      `gorm:"primaryKey"`
	Gateway       string     `gorm:"column:gateway;not null;index"`
	Name          string     `gorm:"column:name;not null"`
	APIKey        string     `gorm:"column:api_key;not null"`
	APISecret     string     `gorm:"column:api_secret"`
	MerchantID    string     `gorm:"column:merchant_id"`
	Active        bool       `gorm:"column:active;default:true"`
	Sandbox       bool       `gorm:"column:sandbox;default:false"`
	Currencies    string     `gorm:"column:currencies"`
	Countries     string     `gorm:"column:countries"`
	SuccessCount  int64      `gorm:"column:success_count;default:0"`
	FailureCount  int64      `gorm:"column:failure_count;default:0"`
	TotalAmount   int64      `gorm:"column:total_amount;default:0"`
	LastUsedAt    *time.Time `gorm:"column:last_used_at"`
	CooldownUntil *time.Time `gorm:"column:cooldown_until"`
	CreatedAt     time.Time  `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;default:now()"`
}

func (PaymentAccount) TableName() string {
	return "payment_accounts"
}

// SupportsCurrency reports whether the account accepts the currency. An empty
// currencies column means no restriction.
func (a *PaymentAccount) SupportsCurrency(currency string) bool {
	return supports(a.Currencies, currency)
}

func (a *PaymentAccount) SupportsCountry(country string) bool {
	return supports(a.Countries, country)
}

func supports(csv, value string) bool {
	if csv == "" || value == "" {
		return true
	}
	for _, item := range strings.Split(csv, ",") {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

// UnderCooldown reports whether the account recently failed a payment and is
// still inside its cooldown window.
func (a *PaymentAccount) UnderCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}

// SelectionRecord is the immutable audit row for one selection decision.
// Written on every invocation of the engine, including failed ones.
type SelectionRecord struct {
	ID            string          `gorm:"primaryKey"`
	Gateway       string          `gorm:"column:gateway;not null;index"`
	AccountID     *int64          `gorm:"column:account_id"`
	Strategy      string          `gorm:"column:strategy;not null"`
	CandidateIDs  json.RawMessage `gorm:"column:candidate_ids;type:jsonb"`
	Justification string          `gorm:"column:justification"`
	WasFallback   bool            `gorm:"column:was_fallback;default:false"`
	LatencyMicros int64           `gorm:"column:latency_micros"`
	CreatedAt     time.Time       `gorm:"column:created_at;default:now()"`
}

func (SelectionRecord) TableName() string {
	return "selection_records"
}

// SelectionPolicy is a named selection configuration; the "global" row is the
// default and a row named after a gateway overrides it. Read-only at
// reconciliation time, written by the admin surface.
type SelectionPolicy struct {
	ID                  int64           `gorm:"primaryKey"`
	Name                string          `gorm:"column:name;uniqueIndex;not null"`
	Strategy            string          `gorm:"column:strategy;not null"`
	EnableFallback      bool            `gorm:"column:enable_fallback;default:true"`
	MaxFallbackAttempts int             `gorm:"column:max_fallback_attempts;default:2"`
	ExcludeFailed       bool            `gorm:"column:exclude_failed;default:true"`
	CooldownMinutes     int             `gorm:"column:cooldown_minutes;default:30"`
	LoadBalance         bool            `gorm:"column:load_balance;default:false"`
	MaxLoadPercent      int             `gorm:"column:max_load_percent;default:70"`
	Weights             json.RawMessage `gorm:"column:weights;type:jsonb"`
	Priorities          json.RawMessage `gorm:"column:priorities;type:jsonb"`
	RoundRobinCursor    int64           `gorm:"column:round_robin_cursor;default:0"`
	CreatedAt           time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;default:now()"`
}

func (SelectionPolicy) TableName() string {
	return "selection_policies"
}

// WeightFor returns the policy weight for an account, defaulting to 1 for
// accounts not listed.
func (p *SelectionPolicy) WeightFor(accountID int64) int {
	return lookupInt(p.Weights, accountID, 1)
}

// PriorityFor returns the manual priority for an account; unlisted accounts
// sort last.
func (p *SelectionPolicy) PriorityFor(accountID int64) int {
	return lookupInt(p.Priorities, accountID, int(^uint(0)>>1))
}

func lookupInt(raw json.RawMessage, accountID int64, fallback int) int {
	if len(raw) == 0 {
		return fallback
	}
	var m map[string]int
	if err := json.Unmarshal(raw, &m); err != nil {
		return fallback
	}
	key := jsonKey(accountID)
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

func jsonKey(id int64) string {
	// account ids are stored as string keys in the jsonb maps
	return strconv.FormatInt(id, 10)
}

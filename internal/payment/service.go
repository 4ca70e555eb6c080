package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/subscription"
	"github.com/frahmantamala/payment-reconciliation/internal/core/events"
	"github.com/frahmantamala/payment-reconciliation/internal/gateway"
)

// RepositoryAPI is the payment persistence surface used by the service and
// the reconciliation job.
type RepositoryAPI interface {
	Create(p *paymentmodel.Payment) error
	GetByID(id int64) (*paymentmodel.Payment, error)
	GetByExternalRef(externalRef string) (*paymentmodel.Payment, error)
	Update(p *paymentmodel.Payment) error
	FindPending(createdAfter, createdBefore, untouchedBefore time.Time, limit int) ([]*paymentmodel.Payment, error)
}

type PlanRepository interface {
	GetByID(id int64) (*subscription.Plan, error)
}

type SubscriptionRepository interface {
	// ActiveForCustomer returns (nil, nil) when the customer has no live
	// subscription for the plan.
	ActiveForCustomer(email string, planID int64, now time.Time) (*subscription.Subscription, error)
	Create(s *subscription.Subscription) error
	ExtendExpiry(id int64, until time.Time, now time.Time) error
}

type InvoiceRepository interface {
	Create(inv *subscription.Invoice) error
}

type CustomerStatsRepository interface {
	RecordPurchase(email string, amount int64, at time.Time) error
}

// AccountCounters updates PaymentAccount volume counters. Implementations
// must use atomic SQL increments; the service calls this exactly once per
// terminal transition.
type AccountCounters interface {
	RecordSuccess(id int64, amount int64, at time.Time) error
	RecordFailure(id int64, at time.Time, cooldownUntil time.Time) error
}

type Service struct {
	payments      RepositoryAPI
	plans         PlanRepository
	subscriptions SubscriptionRepository
	invoices      InvoiceRepository
	stats         CustomerStatsRepository
	accounts      AccountCounters
	bus           *events.EventBus
	logger        *slog.Logger

	cooldown       time.Duration
	provisionDelay time.Duration
	now            func() time.Time
}

func NewService(
	payments RepositoryAPI,
	plans PlanRepository,
	subscriptions SubscriptionRepository,
	invoices InvoiceRepository,
	stats CustomerStatsRepository,
	accounts AccountCounters,
	bus *events.EventBus,
	logger *slog.Logger,
	cooldown time.Duration,
	provisionDelay time.Duration,
) *Service {
	return &Service{
		payments:       payments,
		plans:          plans,
		subscriptions:  subscriptions,
		invoices:       invoices,
		stats:          stats,
		accounts:       accounts,
		bus:            bus,
		logger:         logger,
		cooldown:       cooldown,
		provisionDelay: provisionDelay,
		now:            time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetByID(id int64) (*paymentmodel.Payment, error) {
	return s.payments.GetByID(id)
}

func (s *Service) GetByExternalRef(ref string) (*paymentmodel.Payment, error) {
	return s.payments.GetByExternalRef(ref)
}

// Complete drives a payment to completed and runs the settlement side
// effects: subscription creation or renewal, paid invoice, customer lifetime
// statistics, account counters, completion event, and the delayed
// provisioning dispatch when the plan requires it. Reapplying Complete to an
// already-completed payment is a no-op with no duplicate records.
func (s *Service) Complete(ctx context.Context, p *paymentmodel.Payment, settlement *gateway.Settlement) error {
	now := s.now()

	changed, err := ApplyTransition(p, paymentmodel.StatusCompleted, now)
	if err != nil {
		s.logger.Error("refused transition to completed",
			"payment_id", p.ID,
			"status", p.Status,
			"error", err)
		return err
	}
	if !changed {
		s.logger.Info("payment already completed, skipping side effects", "payment_id", p.ID)
		return nil
	}

	plan, err := s.plans.GetByID(p.PlanID)
	if err != nil {
		return fmt.Errorf("plan %d not found for payment %d: %w", p.PlanID, p.ID, err)
	}

	transactionID := ""
	if settlement != nil {
		transactionID = settlement.TransactionID
		if len(settlement.Raw) > 0 {
			p.GatewayResponse = settlement.Raw
		}
	}
	p.AppendNote(now, fmt.Sprintf("gateway confirmed settlement, transaction %s", transactionID))

	sub, err := s.settleSubscription(p, plan, now)
	if err != nil {
		return err
	}
	p.SubscriptionID = &sub.ID

	if err := s.payments.Update(p); err != nil {
		return fmt.Errorf("failed to persist completed payment %d: %w", p.ID, err)
	}

	invoice := &subscription.Invoice{
		PaymentID:      p.ID,
		SubscriptionID: &sub.ID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         subscription.InvoicePaid,
		IssuedAt:       now,
	}
	if err := s.invoices.Create(invoice); err != nil {
		s.logger.Error("failed to create paid invoice", "payment_id", p.ID, "error", err)
	}

	if err := s.stats.RecordPurchase(p.CustomerEmail, p.Amount, now); err != nil {
		s.logger.Error("failed to update customer statistics", "payment_id", p.ID, "error", err)
	}

	if p.AccountID != nil {
		if err := s.accounts.RecordSuccess(*p.AccountID, p.Amount, now); err != nil {
			s.logger.Error("failed to update account counters", "account_id", *p.AccountID, "error", err)
		}
	}

	event := events.NewPaymentCompletedEvent(p.ID, p.CustomerEmail, p.PlanID, sub.ID, p.Amount, p.Currency, transactionID)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish completion event", "payment_id", p.ID, "error", err)
	}

	if plan.RequiresProvisioning {
		provisioning := events.NewProvisioningRequestedEvent(p.ID, p.CustomerEmail, p.PlanID, plan.ProvisioningPayload)
		s.bus.PublishAfter(ctx, provisioning, s.provisionDelay)
	}

	s.logger.Info("payment completed",
		"payment_id", p.ID,
		"subscription_id", sub.ID,
		"amount", p.Amount,
		"currency", p.Currency,
		"transaction_id", transactionID)
	return nil
}

func (s *Service) settleSubscription(p *paymentmodel.Payment, plan *subscription.Plan, now time.Time) (*subscription.Subscription, error) {
	duration := time.Duration(plan.DurationDays) * 24 * time.Hour

	existing, err := s.subscriptions.ActiveForCustomer(p.CustomerEmail, p.PlanID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription for payment %d: %w", p.ID, err)
	}

	if existing != nil {
		// renewal extends the current expiry rather than restarting the clock
		until := existing.ExpiresAt.Add(duration)
		if err := s.subscriptions.ExtendExpiry(existing.ID, until, now); err != nil {
			return nil, fmt.Errorf("failed to extend subscription %d: %w", existing.ID, err)
		}
		existing.ExpiresAt = until
		s.logger.Info("subscription renewed",
			"subscription_id", existing.ID,
			"payment_id", p.ID,
			"expires_at", until)
		return existing, nil
	}

	sub := &subscription.Subscription{
		PlanID:        p.PlanID,
		CustomerEmail: p.CustomerEmail,
		Status:        subscription.SubscriptionActive,
		StartsAt:      now,
		ExpiresAt:     now.Add(duration),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.subscriptions.Create(sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription for payment %d: %w", p.ID, err)
	}
	s.logger.Info("subscription created",
		"subscription_id", sub.ID,
		"payment_id", p.ID,
		"expires_at", sub.ExpiresAt)
	return sub, nil
}

// Fail drives a payment to failed: audit note, failed invoice, account
// failure counters with cooldown stamp, failure event. Like Complete it is
// idempotent for the already-failed case.
func (s *Service) Fail(ctx context.Context, p *paymentmodel.Payment, reason string) error {
	now := s.now()

	changed, err := ApplyTransition(p, paymentmodel.StatusFailed, now)
	if err != nil {
		s.logger.Error("refused transition to failed",
			"payment_id", p.ID,
			"status", p.Status,
			"error", err)
		return err
	}
	if !changed {
		s.logger.Info("payment already failed, skipping side effects", "payment_id", p.ID)
		return nil
	}

	p.AppendNote(now, reason)
	if err := s.payments.Update(p); err != nil {
		return fmt.Errorf("failed to persist failed payment %d: %w", p.ID, err)
	}

	invoice := &subscription.Invoice{
		PaymentID: p.ID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    subscription.InvoiceFailed,
		IssuedAt:  now,
	}
	if err := s.invoices.Create(invoice); err != nil {
		s.logger.Error("failed to create failed invoice", "payment_id", p.ID, "error", err)
	}

	if p.AccountID != nil {
		if err := s.accounts.RecordFailure(*p.AccountID, now, now.Add(s.cooldown)); err != nil {
			s.logger.Error("failed to update account counters", "account_id", *p.AccountID, "error", err)
		}
	}

	event := events.NewPaymentFailedEvent(p.ID, p.CustomerEmail, p.PlanID, p.Amount, p.Currency, reason, p.RetryCount)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish failure event", "payment_id", p.ID, "error", err)
	}

	s.logger.Info("payment failed",
		"payment_id", p.ID,
		"reason", reason,
		"retry_count", p.RetryCount)
	return nil
}

// Cancel marks a payment cancelled, fed only by the webhook path when the
// checkout session is abandoned or voided by the customer.
func (s *Service) Cancel(ctx context.Context, p *paymentmodel.Payment, reason string) error {
	now := s.now()

	changed, err := ApplyTransition(p, paymentmodel.StatusCancelled, now)
	if err != nil {
		s.logger.Error("refused transition to cancelled",
			"payment_id", p.ID,
			"status", p.Status,
			"error", err)
		return err
	}
	if !changed {
		return nil
	}

	p.AppendNote(now, reason)
	if err := s.payments.Update(p); err != nil {
		return fmt.Errorf("failed to persist cancelled payment %d: %w", p.ID, err)
	}

	s.logger.Info("payment cancelled", "payment_id", p.ID, "reason", reason)
	return nil
}

// MarkRetry records an inconclusive cycle: pending stays pending, the retry
// counter moves up, and a note explains why. The caller schedules the next
// attempt.
func (s *Service) MarkRetry(ctx context.Context, p *paymentmodel.Payment, note string) error {
	now := s.now()

	if _, err := ApplyTransition(p, paymentmodel.StatusPending, now); err != nil {
		s.logger.Error("refused retry transition",
			"payment_id", p.ID,
			"status", p.Status,
			"error", err)
		return err
	}

	p.RetryCount++
	p.AppendNote(now, note)
	if err := s.payments.Update(p); err != nil {
		return fmt.Errorf("failed to persist retry for payment %d: %w", p.ID, err)
	}

	s.logger.Info("payment retry recorded",
		"payment_id", p.ID,
		"retry_count", p.RetryCount,
		"note", note)
	return nil
}

// ExpiredNote is the fixed audit message written when a payment ages out.
const ExpiredNote = "payment expired: no gateway confirmation within 24 hours"

// Expire force-fails a payment that aged past the expiry window. Callers must
// invoke it before any gateway work for the cycle.
func (s *Service) Expire(ctx context.Context, p *paymentmodel.Payment) error {
	return s.Fail(ctx, p, ExpiredNote)
}

// ApplyExternalStatus is the single idempotent entry point for inbound
// gateway callbacks. It shares the state machine with the reconciliation job:
// whichever writer arrives first wins, a repeat of the same terminal state is
// a no-op, and a contradiction of a terminal state is an error.
func (s *Service) ApplyExternalStatus(ctx context.Context, externalRef string, update ExternalStatusUpdate) error {
	p, err := s.payments.GetByExternalRef(externalRef)
	if err != nil {
		return fmt.Errorf("payment not found for external ref %s: %w", externalRef, err)
	}

	target := MapExternalStatus(update.Status)

	s.logger.Info("applying external status update",
		"payment_id", p.ID,
		"external_ref", externalRef,
		"gateway_status", update.Status,
		"target_status", target)

	switch target {
	case paymentmodel.StatusCompleted:
		settlement := &gateway.Settlement{
			TransactionID: update.TransactionID,
			Amount:        update.Amount,
			Currency:      p.Currency,
			SettledAt:     s.now(),
			Raw:           update.Raw,
		}
		return s.Complete(ctx, p, settlement)
	case paymentmodel.StatusFailed:
		reason := update.FailureReason
		if reason == "" {
			reason = "gateway reported failure via callback"
		}
		return s.Fail(ctx, p, reason)
	case paymentmodel.StatusCancelled:
		return s.Cancel(ctx, p, "cancelled via gateway callback")
	default:
		// still pending at the gateway; nothing to record, the sweep will
		// verify again
		return nil
	}
}

// snapshot helper shared with the reconciliation job
func MarshalSnapshot(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

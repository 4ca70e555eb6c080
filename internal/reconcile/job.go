package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-reconciliation/internal"
	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/account"
	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/gateway"
	paymentpkg "github.com/frahmantamala/payment-reconciliation/internal/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/selection"
)

// AccountResolver loads the credential set bound to a payment.
type AccountResolver interface {
	GetByID(id int64) (*account.PaymentAccount, error)
}

// Selector is the account selection engine surface the reconciler consults
// when a payment needs a different account after a decline.
type Selector interface {
	Select(ctx context.Context, gatewayName string, sel selection.SelectionContext) (*selection.Result, error)
}

// Scheduler is the follow-up surface of the job queue.
type Scheduler interface {
	EnqueueAfter(job Job, delay time.Duration)
}

type Config struct {
	MaxRetries     int
	Quiescence     time.Duration
	Expiry         time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	GatewayTimeout time.Duration
}

// Reconciler is the per-payment unit of work: fetch gateway truth, apply the
// matching transition, schedule the next attempt on inconclusive outcomes.
type Reconciler struct {
	payments  paymentpkg.RepositoryAPI
	accounts  AccountResolver
	selector  Selector
	registry  *gateway.Registry
	service   *paymentpkg.Service
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(
	payments paymentpkg.RepositoryAPI,
	accounts AccountResolver,
	selector Selector,
	registry *gateway.Registry,
	service *paymentpkg.Service,
	scheduler Scheduler,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 24 * time.Hour
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	return &Reconciler{
		payments:  payments,
		accounts:  accounts,
		selector:  selector,
		registry:  registry,
		service:   service,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Process verifies one payment against its gateway. Adapter problems are
// converted into retries, never propagated, until the attempt budget is
// spent.
func (r *Reconciler) Process(ctx context.Context, job Job) error {
	p, err := r.payments.GetByID(job.PaymentID)
	if err != nil {
		return fmt.Errorf("payment %d not found: %w", job.PaymentID, err)
	}

	now := r.now()

	if p.IsTerminal() {
		r.logger.Debug("payment already terminal, nothing to reconcile",
			"payment_id", p.ID,
			"status", p.Status)
		return nil
	}

	// expiry short-circuit: never call the gateway for a payment past the
	// expiry window
	if p.Expired(now, r.cfg.Expiry) {
		r.logger.Info("payment expired, forcing failed",
			"payment_id", p.ID,
			"age", p.Age(now))
		return r.service.Expire(ctx, p)
	}

	// another job touched this payment inside the quiescence window; abandon
	// rather than race it
	if r.cfg.Quiescence > 0 && p.TouchedWithin(now, r.cfg.Quiescence) {
		r.logger.Debug("payment touched recently, abandoning cycle",
			"payment_id", p.ID,
			"updated_at", p.UpdatedAt)
		return nil
	}

	creds, err := r.resolveCredentials(ctx, p)
	if err != nil {
		// configuration problem: keep pending, the next sweep retries after
		// someone fixes the account setup
		r.logger.Error("cannot resolve account credentials, leaving payment pending",
			"payment_id", p.ID,
			"gateway", p.Gateway,
			"error", err)
		return nil
	}

	adapter, err := r.registry.Resolve(p.Gateway)
	if err != nil {
		r.logger.Error("no adapter for gateway, leaving payment pending",
			"payment_id", p.ID,
			"gateway", p.Gateway)
		return nil
	}

	callCtx, cancel := internal.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	outcome := adapter.FetchStatus(callCtx, creds, p.ExternalRef)

	r.logger.Info("gateway status fetched",
		"payment_id", p.ID,
		"gateway", p.Gateway,
		"outcome", string(outcome.Kind),
		"retry_count", p.RetryCount)

	return r.applyOutcome(ctx, p, outcome)
}

func (r *Reconciler) resolveCredentials(ctx context.Context, p *paymentmodel.Payment) (gateway.Credentials, error) {
	if p.AccountID == nil {
		// the previous account declined; ask the selection engine for a
		// different one, excluding it
		sel := selection.SelectionContext{
			Currency: p.Currency,
			Country:  p.Country,
		}
		if p.PrevAccountID != nil {
			sel.ExcludedAccountIDs = []int64{*p.PrevAccountID}
		}

		result, err := r.selector.Select(ctx, p.Gateway, sel)
		if err != nil {
			return gateway.Credentials{}, err
		}

		id := result.Account.ID
		p.AccountID = &id
		if err := r.payments.Update(p); err != nil {
			return gateway.Credentials{}, fmt.Errorf("failed to bind account %d to payment %d: %w", id, p.ID, err)
		}
		r.logger.Info("payment rebound to alternate account",
			"payment_id", p.ID,
			"account_id", id,
			"was_fallback", result.WasFallback)
		return credentialsFromAccount(result.Account), nil
	}

	acct, err := r.accounts.GetByID(*p.AccountID)
	if err != nil {
		return gateway.Credentials{}, internal.NewNotFoundError(
			fmt.Sprintf("account %d not found", *p.AccountID),
			internal.ErrCodeAccountNotFound).WithCause(err)
	}
	if acct.APIKey == "" {
		return gateway.Credentials{}, internal.NewInternalError(
			fmt.Sprintf("account %d has no credentials", acct.ID),
			internal.ErrCodeMissingCredentials)
	}
	return credentialsFromAccount(acct), nil
}

func credentialsFromAccount(a *account.PaymentAccount) gateway.Credentials {
	return gateway.Credentials{
		APIKey:     a.APIKey,
		APISecret:  a.APISecret,
		MerchantID: a.MerchantID,
		Sandbox:    a.Sandbox,
	}
}

func (r *Reconciler) applyOutcome(ctx context.Context, p *paymentmodel.Payment, outcome gateway.Outcome) error {
	switch outcome.Kind {
	case gateway.KindSucceeded:
		return r.service.Complete(ctx, p, outcome.Settlement)

	case gateway.KindStillPending:
		return r.retryOrFail(ctx, p,
			fmt.Sprintf("gateway still pending (%s)", outcome.Substate))

	case gateway.KindAdapterError:
		r.logger.Warn("adapter error during reconciliation",
			"payment_id", p.ID,
			"gateway", p.Gateway,
			"retry_count", p.RetryCount,
			"error", outcome.Cause)
		return r.retryOrFail(ctx, p,
			fmt.Sprintf("adapter error: %v", outcome.Cause))

	case gateway.KindFailed:
		// an explicit decline does not terminate the payment: a different
		// account may still settle it, so unbind and let the next cycle
		// consult the selection engine
		r.unbindAccount(p)
		return r.retryOrFail(ctx, p,
			fmt.Sprintf("gateway declined (%s), will try alternate account", outcome.Reason))

	case gateway.KindNotFound:
		r.unbindAccount(p)
		return r.retryOrFail(ctx, p,
			"transaction not found at gateway, will try alternate account")

	default:
		return internal.NewInternalError(
			fmt.Sprintf("unhandled gateway outcome %q", outcome.Kind),
			internal.ErrCodeInvalidStatus)
	}
}

func (r *Reconciler) unbindAccount(p *paymentmodel.Payment) {
	if p.AccountID != nil {
		prev := *p.AccountID
		p.PrevAccountID = &prev
		p.AccountID = nil
	}
}

func (r *Reconciler) retryOrFail(ctx context.Context, p *paymentmodel.Payment, note string) error {
	if p.RetryCount >= r.cfg.MaxRetries {
		return r.service.Fail(ctx, p,
			fmt.Sprintf("verification attempts exhausted after %d retries: %s", p.RetryCount, note))
	}

	delay := Backoff(p.RetryCount, r.cfg.BackoffBase, r.cfg.BackoffCap)

	if err := r.service.MarkRetry(ctx, p, note); err != nil {
		if errors.Is(err, paymentpkg.ErrTerminalTransition) {
			// a webhook settled the payment between our read and write
			r.logger.Info("payment settled concurrently, dropping retry", "payment_id", p.ID)
			return nil
		}
		return err
	}

	r.scheduler.EnqueueAfter(Job{PaymentID: p.ID}, delay)
	r.logger.Info("reconciliation rescheduled",
		"payment_id", p.ID,
		"retry_count", p.RetryCount,
		"delay", delay)
	return nil
}

package reconcile_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/account"
	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/subscription"
	"github.com/frahmantamala/payment-reconciliation/internal/core/events"
	"github.com/frahmantamala/payment-reconciliation/internal/gateway"
	paymentPkg "github.com/frahmantamala/payment-reconciliation/internal/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/reconcile"
	"github.com/frahmantamala/payment-reconciliation/internal/selection"
)

// In-memory payment store shared by the job and the service under test. The
// optional gate and entered channels let sweep tests hold FindPending open to
// provoke overlapping runs.
type stubPaymentRepo struct {
	payments map[int64]*paymentmodel.Payment
	gate     chan struct{}
	entered  chan struct{}
}

func newStubPaymentRepo() *stubPaymentRepo {
	return &stubPaymentRepo{payments: make(map[int64]*paymentmodel.Payment)}
}

func (s *stubPaymentRepo) Create(p *paymentmodel.Payment) error {
	s.payments[p.ID] = p
	return nil
}

func (s *stubPaymentRepo) GetByID(id int64) (*paymentmodel.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return p, nil
}

func (s *stubPaymentRepo) GetByExternalRef(ref string) (*paymentmodel.Payment, error) {
	for _, p := range s.payments {
		if p.ExternalRef == ref {
			return p, nil
		}
	}
	return nil, errors.New("payment not found")
}

func (s *stubPaymentRepo) Update(p *paymentmodel.Payment) error {
	s.payments[p.ID] = p
	return nil
}

func (s *stubPaymentRepo) FindPending(createdAfter, createdBefore, untouchedBefore time.Time, limit int) ([]*paymentmodel.Payment, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	var out []*paymentmodel.Payment
	for _, p := range s.payments {
		if p.Status != paymentmodel.StatusPending {
			continue
		}
		if p.CreatedAt.Before(createdAfter) || p.CreatedAt.After(createdBefore) {
			continue
		}
		if p.UpdatedAt.After(untouchedBefore) {
			continue
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type stubPlanRepo struct{}

func (stubPlanRepo) GetByID(id int64) (*subscription.Plan, error) {
	return &subscription.Plan{ID: id, Name: "pro-monthly", DurationDays: 30, Price: 9999, Currency: "USD"}, nil
}

type stubSubscriptionRepo struct {
	created []*subscription.Subscription
}

func (s *stubSubscriptionRepo) ActiveForCustomer(email string, planID int64, now time.Time) (*subscription.Subscription, error) {
	return nil, nil
}

func (s *stubSubscriptionRepo) Create(sub *subscription.Subscription) error {
	sub.ID = int64(len(s.created) + 1)
	s.created = append(s.created, sub)
	return nil
}

func (s *stubSubscriptionRepo) ExtendExpiry(id int64, until time.Time, now time.Time) error {
	return nil
}

type stubInvoiceRepo struct {
	invoices []*subscription.Invoice
}

func (s *stubInvoiceRepo) Create(inv *subscription.Invoice) error {
	s.invoices = append(s.invoices, inv)
	return nil
}

type stubStatsRepo struct{}

func (stubStatsRepo) RecordPurchase(email string, amount int64, at time.Time) error { return nil }

type stubCounters struct{}

func (stubCounters) RecordSuccess(id int64, amount int64, at time.Time) error { return nil }
func (stubCounters) RecordFailure(id int64, at time.Time, cooldown time.Time) error {
	return nil
}

type stubAccountResolver struct {
	accounts map[int64]*account.PaymentAccount
}

func (s *stubAccountResolver) GetByID(id int64) (*account.PaymentAccount, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, errors.New("account not found")
	}
	return a, nil
}

type stubSelector struct {
	result    *selection.Result
	err       error
	lastCall  *selection.SelectionContext
	callCount int
}

func (s *stubSelector) Select(ctx context.Context, gatewayName string, sel selection.SelectionContext) (*selection.Result, error) {
	s.callCount++
	s.lastCall = &sel
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type scheduledJob struct {
	job   reconcile.Job
	delay time.Duration
}

type stubScheduler struct {
	scheduled []scheduledJob
}

func (s *stubScheduler) EnqueueAfter(job reconcile.Job, delay time.Duration) {
	s.scheduled = append(s.scheduled, scheduledJob{job: job, delay: delay})
}

// countingAdapter records every status fetch so tests can assert the gateway
// was or was not consulted.
type countingAdapter struct {
	name      string
	outcome   gateway.Outcome
	calls     int
	lastCreds gateway.Credentials
}

func (a *countingAdapter) Name() string { return a.name }

func (a *countingAdapter) FetchStatus(ctx context.Context, creds gateway.Credentials, externalRef string) gateway.Outcome {
	a.calls++
	a.lastCreds = creds
	return a.outcome
}

var _ = Describe("Reconciler", func() {
	var (
		repo          *stubPaymentRepo
		subscriptions *stubSubscriptionRepo
		invoices      *stubInvoiceRepo
		resolver      *stubAccountResolver
		selector      *stubSelector
		scheduler     *stubScheduler
		adapter       *countingAdapter
		reconciler    *reconcile.Reconciler
		service       *paymentPkg.Service
		now           time.Time
		ctx           context.Context
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		now = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)
		ctx = context.Background()

		repo = newStubPaymentRepo()
		subscriptions = &stubSubscriptionRepo{}
		invoices = &stubInvoiceRepo{}
		resolver = &stubAccountResolver{accounts: map[int64]*account.PaymentAccount{
			7: {ID: 7, Gateway: "stripe", Name: "primary", APIKey: "sk_test_primary"},
			8: {ID: 8, Gateway: "stripe", Name: "secondary", APIKey: "sk_test_secondary"},
		}}
		selector = &stubSelector{}
		scheduler = &stubScheduler{}
		adapter = &countingAdapter{name: "stripe"}

		bus := events.NewEventBus(logger)
		service = paymentPkg.NewService(repo, stubPlanRepo{}, subscriptions, invoices, stubStatsRepo{}, stubCounters{}, bus, logger, 30*time.Minute, 0).
			WithClock(func() time.Time { return now })

		registry := gateway.NewRegistry(adapter)

		reconciler = reconcile.NewReconciler(repo, resolver, selector, registry, service, scheduler, reconcile.Config{
			MaxRetries:     3,
			Quiescence:     2 * time.Minute,
			Expiry:         24 * time.Hour,
			BackoffBase:    time.Minute,
			BackoffCap:     time.Hour,
			GatewayTimeout: 5 * time.Second,
		}, logger).WithClock(func() time.Time { return now })
	})

	addPayment := func(mutate func(*paymentmodel.Payment)) *paymentmodel.Payment {
		accountID := int64(7)
		p := &paymentmodel.Payment{
			ID:            1,
			PlanID:        1,
			CustomerEmail: "customer@example.com",
			Amount:        9999,
			Currency:      "USD",
			Gateway:       "stripe",
			AccountID:     &accountID,
			ExternalRef:   "pi_job_1",
			Status:        paymentmodel.StatusPending,
			CreatedAt:     now.Add(-time.Hour),
			UpdatedAt:     now.Add(-time.Hour),
		}
		if mutate != nil {
			mutate(p)
		}
		repo.payments[p.ID] = p
		return p
	}

	Describe("Process", func() {
		Context("when the payment is already terminal", func() {
			It("should do nothing", func() {
				addPayment(func(p *paymentmodel.Payment) { p.Status = paymentmodel.StatusCompleted })

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(adapter.calls).To(BeZero())
				Expect(scheduler.scheduled).To(BeEmpty())
			})
		})

		Context("when the payment aged past the expiry window", func() {
			It("should force failed without consulting the gateway", func() {
				p := addPayment(func(p *paymentmodel.Payment) {
					p.CreatedAt = now.Add(-25 * time.Hour)
					p.UpdatedAt = now.Add(-25 * time.Hour)
				})

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusFailed))
				Expect(p.NoteMessages()).To(ContainElement(paymentPkg.ExpiredNote))
				Expect(adapter.calls).To(BeZero())
			})
		})

		Context("when another writer touched the payment recently", func() {
			It("should abandon the cycle", func() {
				p := addPayment(func(p *paymentmodel.Payment) {
					p.UpdatedAt = now.Add(-30 * time.Second)
				})

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(adapter.calls).To(BeZero())
				Expect(scheduler.scheduled).To(BeEmpty())
			})
		})

		Context("when the gateway confirms settlement", func() {
			It("should complete the payment and schedule nothing", func() {
				p := addPayment(nil)
				adapter.outcome = gateway.Succeeded(&gateway.Settlement{TransactionID: "txn_ok", Amount: 9999, Currency: "USD"})

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
				Expect(adapter.calls).To(Equal(1))
				Expect(adapter.lastCreds.APIKey).To(Equal("sk_test_primary"))
				Expect(subscriptions.created).To(HaveLen(1))
				Expect(scheduler.scheduled).To(BeEmpty())
			})
		})

		Context("when the gateway is still pending", func() {
			It("should record a retry and schedule the next cycle with doubled backoff", func() {
				p := addPayment(nil)
				adapter.outcome = gateway.StillPending("processing")

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(p.RetryCount).To(Equal(1))
				Expect(scheduler.scheduled).To(HaveLen(1))
				Expect(scheduler.scheduled[0].delay).To(Equal(time.Minute))
			})

			It("should grow the delay with the retry count", func() {
				p := addPayment(func(p *paymentmodel.Payment) { p.RetryCount = 2 })
				adapter.outcome = gateway.StillPending("processing")

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.RetryCount).To(Equal(3))
				Expect(scheduler.scheduled[0].delay).To(Equal(4 * time.Minute))
			})

			It("should fail the payment once the retry budget is spent", func() {
				p := addPayment(func(p *paymentmodel.Payment) { p.RetryCount = 3 })
				adapter.outcome = gateway.StillPending("processing")

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusFailed))
				Expect(p.NoteMessages()).To(ContainElement(ContainSubstring("verification attempts exhausted")))
				Expect(scheduler.scheduled).To(BeEmpty())
			})
		})

		Context("when the gateway declines the payment", func() {
			It("should unbind the account and schedule a retry instead of failing", func() {
				p := addPayment(nil)
				adapter.outcome = gateway.Failed("card declined")

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(p.AccountID).To(BeNil())
				Expect(p.PrevAccountID).ToNot(BeNil())
				Expect(*p.PrevAccountID).To(Equal(int64(7)))
				Expect(scheduler.scheduled).To(HaveLen(1))
			})

			It("should consult the selection engine on the next cycle, excluding the declined account", func() {
				p := addPayment(func(p *paymentmodel.Payment) {
					prev := int64(7)
					p.AccountID = nil
					p.PrevAccountID = &prev
				})
				selector.result = &selection.Result{Account: resolver.accounts[8], Strategy: selection.StrategyLeastUsed}
				adapter.outcome = gateway.Succeeded(&gateway.Settlement{TransactionID: "txn_alt"})

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(selector.callCount).To(Equal(1))
				Expect(selector.lastCall.ExcludedAccountIDs).To(Equal([]int64{7}))
				Expect(adapter.lastCreds.APIKey).To(Equal("sk_test_secondary"))
				Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
				Expect(*p.AccountID).To(Equal(int64(8)))
			})
		})

		Context("when the gateway does not know the transaction", func() {
			It("should unbind the account and retry", func() {
				p := addPayment(nil)
				adapter.outcome = gateway.NotFound()

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(p.AccountID).To(BeNil())
				Expect(scheduler.scheduled).To(HaveLen(1))
			})
		})

		Context("when the adapter reports a transport problem", func() {
			It("should retry without unbinding the account", func() {
				p := addPayment(nil)
				adapter.outcome = gateway.AdapterError(errors.New("connection refused"))

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(p.AccountID).ToNot(BeNil())
				Expect(scheduler.scheduled).To(HaveLen(1))
			})
		})

		Context("when the bound account has no credentials", func() {
			It("should leave the payment pending for the next sweep", func() {
				resolver.accounts[7].APIKey = ""
				p := addPayment(nil)

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(adapter.calls).To(BeZero())
				Expect(scheduler.scheduled).To(BeEmpty())
			})
		})

		Context("when no alternate account is available", func() {
			It("should leave the payment pending", func() {
				p := addPayment(func(p *paymentmodel.Payment) { p.AccountID = nil })
				selector.err = selection.ErrNoAccountAvailable

				err := reconciler.Process(ctx, reconcile.Job{PaymentID: 1})

				Expect(err).ToNot(HaveOccurred())
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(adapter.calls).To(BeZero())
			})
		})
	})
})

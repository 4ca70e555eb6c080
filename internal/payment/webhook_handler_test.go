package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/subscription"
	"github.com/frahmantamala/payment-reconciliation/internal/core/events"
	paymentPkg "github.com/frahmantamala/payment-reconciliation/internal/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/transport"
)

var _ = Describe("WebhookHandler", func() {
	var (
		handler *paymentPkg.WebhookHandler
		repo    *mockPaymentRepository
		router  *chi.Mux
		now     time.Time
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		now = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)

		repo = newMockPaymentRepository()
		plans := &mockPlanRepository{plans: map[int64]*subscription.Plan{
			1: {ID: 1, Name: "pro-monthly", DurationDays: 30, Price: 9999, Currency: "USD"},
		}}

		service := paymentPkg.NewService(
			repo,
			plans,
			&mockSubscriptionRepository{},
			&mockInvoiceRepository{},
			&mockStatsRepository{},
			&mockAccountCounters{},
			events.NewEventBus(logger),
			logger,
			30*time.Minute,
			0,
		).WithClock(func() time.Time { return now })

		handler = paymentPkg.NewWebhookHandler(transport.NewBaseHandler(logger), service, logger)

		router = chi.NewRouter()
		router.Post("/webhooks/payments/{gateway}", handler.HandleGatewayCallback)
	})

	post := func(body interface{}) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(raw))
		req = req.WithContext(context.Background())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	addPending := func(ref string) *paymentmodel.Payment {
		p := &paymentmodel.Payment{
			ID:            1,
			PlanID:        1,
			CustomerEmail: "customer@example.com",
			Amount:        9999,
			Currency:      "USD",
			Gateway:       "stripe",
			ExternalRef:   ref,
			Status:        paymentmodel.StatusPending,
			CreatedAt:     now.Add(-time.Hour),
			UpdatedAt:     now.Add(-time.Hour),
		}
		repo.add(p)
		return p
	}

	Context("when the callback settles a pending payment", func() {
		It("should apply the transition and return 200", func() {
			p := addPending("pi_hook_1")

			rec := post(paymentPkg.GatewayCallbackRequest{
				ExternalRef:   "pi_hook_1",
				Status:        "succeeded",
				TransactionID: "txn_hook",
				Amount:        9999,
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
		})
	})

	Context("when the callback contradicts a terminal payment", func() {
		It("should return 409 and leave the payment untouched", func() {
			p := addPending("pi_hook_2")
			p.Status = paymentmodel.StatusCompleted

			rec := post(paymentPkg.GatewayCallbackRequest{
				ExternalRef: "pi_hook_2",
				Status:      "failed",
			})

			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
		})
	})

	Context("when the callback repeats a terminal state", func() {
		It("should return 200 without side effects", func() {
			p := addPending("pi_hook_3")
			p.Status = paymentmodel.StatusCompleted
			updatesBefore := repo.updateCalls

			rec := post(paymentPkg.GatewayCallbackRequest{
				ExternalRef:   "pi_hook_3",
				Status:        "succeeded",
				TransactionID: "txn_repeat",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(repo.updateCalls).To(Equal(updatesBefore))
		})
	})

	Context("when the request is malformed", func() {
		It("should reject a missing external_ref", func() {
			rec := post(paymentPkg.GatewayCallbackRequest{Status: "succeeded"})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject a missing status", func() {
			rec := post(paymentPkg.GatewayCallbackRequest{ExternalRef: "pi_hook_4"})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject a non-JSON body", func() {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader([]byte("not json")))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when the payment is unknown", func() {
		It("should return 500", func() {
			rec := post(paymentPkg.GatewayCallbackRequest{
				ExternalRef: "pi_unknown",
				Status:      "succeeded",
			})

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})
	})
})

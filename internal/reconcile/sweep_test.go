package reconcile_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-reconciliation/internal/reconcile"
)

// recordingEnqueuer captures enqueued jobs and injects the queue's sentinel
// errors on demand.
type recordingEnqueuer struct {
	jobs      []reconcile.Job
	errs      map[int64]error
	failAfter int // once this many jobs queued, reject the rest as full
}

func (f *recordingEnqueuer) Enqueue(job reconcile.Job) error {
	if err, ok := f.errs[job.PaymentID]; ok {
		return err
	}
	if f.failAfter > 0 && len(f.jobs) >= f.failAfter {
		return reconcile.ErrQueueFull
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *recordingEnqueuer) ids() []int64 {
	out := make([]int64, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.PaymentID)
	}
	return out
}

var _ = Describe("Sweeper", func() {
	var (
		repo     *stubPaymentRepo
		enqueuer *recordingEnqueuer
		sweeper  *reconcile.Sweeper
		now      time.Time
		ctx      context.Context
	)

	const quiescence = 2 * time.Minute

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		now = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)
		ctx = context.Background()

		repo = newStubPaymentRepo()
		enqueuer = &recordingEnqueuer{errs: map[int64]error{}}

		sweeper = reconcile.NewSweeper(repo, enqueuer, nil, quiescence, 200, logger).
			WithClock(func() time.Time { return now })
	})

	addPending := func(id int64, age time.Duration) *paymentmodel.Payment {
		p := &paymentmodel.Payment{
			ID:        id,
			Status:    paymentmodel.StatusPending,
			Gateway:   "stripe",
			CreatedAt: now.Add(-age),
			UpdatedAt: now.Add(-age),
		}
		repo.payments[id] = p
		return p
	}

	Describe("Sweep", func() {
		It("should enqueue every pending payment inside the age window", func() {
			addPending(1, 30*time.Minute)
			addPending(2, 3*time.Hour)

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(Equal(2))
			Expect(summary.Queued).To(Equal(2))
			Expect(summary.Skipped).To(BeZero())
			Expect(enqueuer.ids()).To(ConsistOf(int64(1), int64(2)))
		})

		It("should leave payments younger than the minimum age alone", func() {
			addPending(1, time.Minute)
			addPending(2, 30*time.Minute)

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(Equal(1))
			Expect(enqueuer.ids()).To(ConsistOf(int64(2)))
		})

		It("should leave payments older than the maximum age alone", func() {
			addPending(1, 25*time.Hour)

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(BeZero())
			Expect(enqueuer.ids()).To(BeEmpty())
		})

		It("should skip payments another writer touched inside the quiescence window", func() {
			p := addPending(1, 30*time.Minute)
			p.UpdatedAt = now.Add(-30 * time.Second)

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(BeZero())
		})

		It("should never pick up terminal payments", func() {
			p := addPending(1, 30*time.Minute)
			p.Status = paymentmodel.StatusCompleted

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(BeZero())
		})

		It("should count an already queued payment as skipped, not an error", func() {
			addPending(1, 30*time.Minute)
			addPending(2, 30*time.Minute)
			enqueuer.errs[1] = reconcile.ErrAlreadyQueued

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(Equal(2))
			Expect(summary.Queued).To(Equal(1))
			Expect(summary.Skipped).To(Equal(1))
		})

		It("should defer the remainder when the queue saturates", func() {
			addPending(1, 30*time.Minute)
			addPending(2, 30*time.Minute)
			addPending(3, 30*time.Minute)
			enqueuer.failAfter = 1

			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(Equal(3))
			Expect(summary.Queued).To(Equal(1))
			Expect(summary.Skipped).To(Equal(2))
		})

		It("should succeed with an empty summary when nothing is pending", func() {
			summary, err := sweeper.Sweep(ctx, 2*time.Minute, 24*time.Hour, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Found).To(BeZero())
			Expect(summary.Queued).To(BeZero())
		})
	})

	Describe("RunBucket", func() {
		bucket := reconcile.Bucket{Name: "fresh", MinAge: 2 * time.Minute, MaxAge: time.Hour, Interval: 3 * time.Minute}

		It("should sweep the bucket's window", func() {
			addPending(1, 30*time.Minute)
			addPending(2, 3*time.Hour)

			summary, err := sweeper.RunBucket(ctx, bucket)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Bucket).To(Equal("fresh"))
			Expect(summary.Found).To(Equal(1))
			Expect(enqueuer.ids()).To(ConsistOf(int64(1)))
		})

		It("should skip a bucket whose previous run is still in flight", func() {
			addPending(1, 30*time.Minute)
			repo.gate = make(chan struct{})
			repo.entered = make(chan struct{}, 1)

			firstDone := make(chan reconcile.Summary, 1)
			go func() {
				defer GinkgoRecover()
				summary, err := sweeper.RunBucket(ctx, bucket)
				Expect(err).ToNot(HaveOccurred())
				firstDone <- summary
			}()

			Eventually(repo.entered).Should(Receive())

			overlapped, err := sweeper.RunBucket(ctx, bucket)
			Expect(err).ToNot(HaveOccurred())
			Expect(overlapped.Found).To(BeZero())
			Expect(overlapped.Queued).To(BeZero())

			close(repo.gate)
			Eventually(firstDone).Should(Receive())
		})
	})
})

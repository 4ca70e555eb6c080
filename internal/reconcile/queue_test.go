package reconcile_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-reconciliation/internal/reconcile"
)

var _ = Describe("Queue", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	})

	It("should run an enqueued job", func() {
		processed := make(chan int64, 1)
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 2, JobQueueSize: 10}, func(ctx context.Context, job reconcile.Job) error {
			processed <- job.PaymentID
			return nil
		}, logger)
		defer queue.Shutdown()

		Expect(queue.Enqueue(reconcile.Job{PaymentID: 1})).To(Succeed())

		Eventually(processed).Should(Receive(Equal(int64(1))))
	})

	It("should reject a payment that is already queued or running", func() {
		gate := make(chan struct{})
		started := make(chan struct{})
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 1, JobQueueSize: 10}, func(ctx context.Context, job reconcile.Job) error {
			close(started)
			<-gate
			return nil
		}, logger)
		defer queue.Shutdown()
		defer close(gate)

		Expect(queue.Enqueue(reconcile.Job{PaymentID: 1})).To(Succeed())
		Eventually(started).Should(BeClosed())

		err := queue.Enqueue(reconcile.Job{PaymentID: 1})

		Expect(err).To(MatchError(reconcile.ErrAlreadyQueued))
	})

	It("should allow the same payment again after its job finished", func() {
		processed := make(chan int64, 2)
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 1, JobQueueSize: 10}, func(ctx context.Context, job reconcile.Job) error {
			processed <- job.PaymentID
			return nil
		}, logger)
		defer queue.Shutdown()

		Expect(queue.Enqueue(reconcile.Job{PaymentID: 1})).To(Succeed())
		Eventually(processed).Should(Receive())

		Eventually(func() error {
			return queue.Enqueue(reconcile.Job{PaymentID: 1})
		}).Should(Succeed())
		Eventually(processed).Should(Receive(Equal(int64(1))))
	})

	It("should reject jobs once the buffer is full", func() {
		gate := make(chan struct{})
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 1, JobQueueSize: 1}, func(ctx context.Context, job reconcile.Job) error {
			<-gate
			return nil
		}, logger)
		defer queue.Shutdown()
		defer close(gate)

		// the blocked worker, the dispatcher hand-off and the single buffer
		// slot absorb at most three jobs; one of the rest must be rejected
		var rejection error
		for id := int64(1); id <= 10; id++ {
			if err := queue.Enqueue(reconcile.Job{PaymentID: id}); err != nil {
				rejection = err
				break
			}
		}

		Expect(rejection).To(MatchError(reconcile.ErrQueueFull))
	})

	It("should deliver a delayed job after the backoff elapses", func() {
		processed := make(chan int64, 1)
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 1, JobQueueSize: 10}, func(ctx context.Context, job reconcile.Job) error {
			processed <- job.PaymentID
			return nil
		}, logger)
		defer queue.Shutdown()

		queue.EnqueueAfter(reconcile.Job{PaymentID: 5}, 20*time.Millisecond)

		Consistently(processed, 10*time.Millisecond).ShouldNot(Receive())
		Eventually(processed).Should(Receive(Equal(int64(5))))
	})

	It("should drain after all queued work finished", func() {
		processed := make(chan int64, 3)
		queue := reconcile.NewQueue(reconcile.QueueConfig{MaxWorkers: 2, JobQueueSize: 10}, func(ctx context.Context, job reconcile.Job) error {
			time.Sleep(5 * time.Millisecond)
			processed <- job.PaymentID
			return nil
		}, logger)
		defer queue.Shutdown()

		for id := int64(1); id <= 3; id++ {
			Expect(queue.Enqueue(reconcile.Job{PaymentID: id})).To(Succeed())
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(queue.Drain(ctx)).To(Succeed())
		Expect(processed).To(HaveLen(3))
	})
})

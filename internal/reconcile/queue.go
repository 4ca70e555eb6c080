package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/payment-reconciliation/internal"
)

var (
	ErrQueueFull     = internal.NewInternalError("reconciliation queue full", internal.ErrCodeQueueFull)
	ErrAlreadyQueued = internal.NewConflictError("payment already queued for reconciliation", internal.ErrCodeAlreadyQueued)
)

// Job is one unit of reconciliation work: verify a single payment against
// its gateway.
type Job struct {
	PaymentID int64
}

// ProcessFunc runs one job; the queue logs the error, retry policy lives in
// the reconciler itself.
type ProcessFunc func(ctx context.Context, job Job) error

type worker struct {
	id         int
	workerPool chan chan Job
	jobChannel chan Job
	logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan Job, logger *slog.Logger) *worker {
	return &worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.workerPool <- w.jobChannel

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("worker processing job", "worker_id", w.id, "payment_id", job.PaymentID)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// Queue is the multi-worker job queue executing reconciliation jobs in
// parallel. Enqueueing is non-blocking; a payment already queued or running
// is rejected so at most one job is in flight per payment.
type Queue struct {
	process ProcessFunc
	logger  *slog.Logger

	jobQueue   chan Job
	workerPool chan chan Job
	maxWorkers int

	inflight sync.Map // payment id -> struct{}
	pending  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type QueueConfig struct {
	MaxWorkers   int
	JobQueueSize int
}

func NewQueue(cfg QueueConfig, process ProcessFunc, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	jobQueueSize := cfg.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	q := &Queue{
		process:    process,
		logger:     logger,
		maxWorkers: maxWorkers,
		jobQueue:   make(chan Job, jobQueueSize),
		workerPool: make(chan chan Job, maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}

	q.startWorkerPool()
	return q
}

func (q *Queue) startWorkerPool() {
	q.once.Do(func() {
		for i := 0; i < q.maxWorkers; i++ {
			w := newWorker(i, q.workerPool, q.logger)
			w.start(q.ctx, &q.wg, q.runJob)
		}

		q.wg.Add(1)
		go q.dispatch()

		q.logger.Info("reconciliation worker pool started",
			"max_workers", q.maxWorkers,
			"queue_size", cap(q.jobQueue))
	})
}

func (q *Queue) dispatch() {
	defer q.wg.Done()

	for {
		select {
		case job := <-q.jobQueue:
			select {
			case jobChannel := <-q.workerPool:
				select {
				case jobChannel <- job:
				case <-q.ctx.Done():
					q.logger.Info("dispatcher shutting down")
					return
				}
			case <-q.ctx.Done():
				q.logger.Info("dispatcher shutting down")
				return
			}
		case <-q.ctx.Done():
			q.logger.Info("dispatcher shutting down")
			return
		}
	}
}

func (q *Queue) runJob(job Job) {
	defer q.inflight.Delete(job.PaymentID)
	defer q.pending.Done()

	if err := q.process(q.ctx, job); err != nil {
		q.logger.Error("reconciliation job failed",
			"payment_id", job.PaymentID,
			"error", err)
	}
}

// Enqueue queues a job for immediate execution. Duplicate payments and a
// full queue are rejected with sentinel errors the sweep reports as skips.
func (q *Queue) Enqueue(job Job) error {
	if _, loaded := q.inflight.LoadOrStore(job.PaymentID, struct{}{}); loaded {
		return ErrAlreadyQueued
	}

	q.pending.Add(1)
	select {
	case q.jobQueue <- job:
		return nil
	default:
		q.pending.Done()
		q.inflight.Delete(job.PaymentID)
		q.logger.Warn("reconciliation queue full, rejecting job",
			"payment_id", job.PaymentID,
			"queue_capacity", cap(q.jobQueue))
		return ErrQueueFull
	}
}

// EnqueueAfter schedules a follow-up job once the backoff delay elapses. The
// timer is the only delay mechanism; shutdown drops pending timers.
func (q *Queue) EnqueueAfter(job Job, delay time.Duration) {
	if delay <= 0 {
		if err := q.Enqueue(job); err != nil {
			q.logger.Warn("failed to enqueue follow-up job", "payment_id", job.PaymentID, "error", err)
		}
		return
	}

	q.logger.Debug("scheduling follow-up reconciliation",
		"payment_id", job.PaymentID,
		"delay", delay)

	go func() {
		select {
		case <-time.After(delay):
			if err := q.Enqueue(job); err != nil {
				q.logger.Warn("failed to enqueue follow-up job", "payment_id", job.PaymentID, "error", err)
			}
		case <-q.ctx.Done():
		}
	}()
}

// Drain blocks until all queued jobs finish or the context expires. Used by
// the one-shot sweep command so it exits only after its work ran.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Shutdown() {
	q.logger.Info("shutting down reconciliation queue")
	q.cancel()
	q.wg.Wait()
	q.logger.Info("reconciliation queue shutdown complete")
}

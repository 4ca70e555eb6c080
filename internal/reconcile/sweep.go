package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paymentpkg "github.com/frahmantamala/payment-reconciliation/internal/payment"
)

// Bucket is one age band of the sweep schedule. Young payments are verified
// often, old ones rarely.
type Bucket struct {
	Name     string
	MinAge   time.Duration
	MaxAge   time.Duration
	Interval time.Duration
}

// Summary reports one sweep invocation.
type Summary struct {
	Bucket  string
	Found   int
	Queued  int
	Skipped int
}

func (s Summary) String() string {
	return fmt.Sprintf("bucket=%s found=%d queued=%d skipped=%d", s.Bucket, s.Found, s.Queued, s.Skipped)
}

// Enqueuer is the sweep-facing surface of the job queue.
type Enqueuer interface {
	Enqueue(job Job) error
}

// Sweeper periodically selects candidate pending payments by age bucket and
// enqueues reconciliation jobs. Each bucket runs on its own cadence and a
// running invocation blocks the next one for the same bucket only.
type Sweeper struct {
	payments   paymentpkg.RepositoryAPI
	queue      Enqueuer
	logger     *slog.Logger
	buckets    []Bucket
	quiescence time.Duration
	limit      int
	now        func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

func NewSweeper(payments paymentpkg.RepositoryAPI, queue Enqueuer, buckets []Bucket, quiescence time.Duration, limit int, logger *slog.Logger) *Sweeper {
	if limit <= 0 {
		limit = 200
	}
	return &Sweeper{
		payments:   payments,
		queue:      queue,
		logger:     logger,
		buckets:    buckets,
		quiescence: quiescence,
		limit:      limit,
		now:        time.Now,
		running:    make(map[string]bool),
	}
}

// WithClock overrides the time source, used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start launches one ticker goroutine per bucket and blocks until the
// context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, bucket := range s.buckets {
		wg.Add(1)
		go func(b Bucket) {
			defer wg.Done()
			s.runBucketLoop(ctx, b)
		}(bucket)
	}
	wg.Wait()
}

func (s *Sweeper) runBucketLoop(ctx context.Context, b Bucket) {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	s.logger.Info("sweep bucket scheduled",
		"bucket", b.Name,
		"min_age", b.MinAge,
		"max_age", b.MaxAge,
		"interval", b.Interval)

	for {
		select {
		case <-ticker.C:
			summary, err := s.RunBucket(ctx, b)
			if err != nil {
				s.logger.Error("sweep failed", "bucket", b.Name, "error", err)
				continue
			}
			s.logger.Info("sweep completed",
				"bucket", summary.Bucket,
				"found", summary.Found,
				"queued", summary.Queued,
				"skipped", summary.Skipped)
		case <-ctx.Done():
			s.logger.Info("sweep bucket stopped", "bucket", b.Name)
			return
		}
	}
}

// RunBucket executes one sweep for a bucket. If the previous invocation for
// the same bucket is still running it returns immediately with an empty
// summary; other buckets are unaffected.
func (s *Sweeper) RunBucket(ctx context.Context, b Bucket) (Summary, error) {
	if !s.tryLock(b.Name) {
		s.logger.Warn("previous sweep still running, skipping", "bucket", b.Name)
		return Summary{Bucket: b.Name}, nil
	}
	defer s.unlock(b.Name)

	return s.sweep(ctx, b.Name, b.MinAge, b.MaxAge, s.limit)
}

// Sweep runs a one-shot sweep over an arbitrary age window, the surface the
// CLI command exposes to external schedulers.
func (s *Sweeper) Sweep(ctx context.Context, minAge, maxAge time.Duration, limit int) (Summary, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.sweep(ctx, "manual", minAge, maxAge, limit)
}

func (s *Sweeper) sweep(ctx context.Context, name string, minAge, maxAge time.Duration, limit int) (Summary, error) {
	now := s.now()
	summary := Summary{Bucket: name}

	createdAfter := now.Add(-maxAge)
	createdBefore := now.Add(-minAge)
	untouchedBefore := now.Add(-s.quiescence)

	candidates, err := s.payments.FindPending(createdAfter, createdBefore, untouchedBefore, limit)
	if err != nil {
		return summary, fmt.Errorf("failed to select sweep candidates: %w", err)
	}
	summary.Found = len(candidates)

	for _, p := range candidates {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		err := s.queue.Enqueue(Job{PaymentID: p.ID})
		switch {
		case err == nil:
			summary.Queued++
		case errors.Is(err, ErrAlreadyQueued):
			summary.Skipped++
		case errors.Is(err, ErrQueueFull):
			// queue saturated; stop enqueuing, the next cycle picks the rest up
			summary.Skipped += len(candidates) - summary.Queued - summary.Skipped
			s.logger.Warn("queue full during sweep, deferring remainder",
				"bucket", name,
				"queued", summary.Queued)
			return summary, nil
		default:
			return summary, err
		}
	}

	return summary, nil
}

func (s *Sweeper) tryLock(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[bucket] {
		return false
	}
	s.running[bucket] = true
	return true
}

func (s *Sweeper) unlock(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[bucket] = false
}

// Package queue schedules download tasks across a bounded worker pool with
// premium-before-free ordering, per-user concurrency limits, bounded retry
// with backoff, and single-flight collapsing of identical fingerprints.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fetchq/fetchq/internal/cache"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/task"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// ErrQueueClosed is returned by Enqueue after the queue has shut down.
var ErrQueueClosed = errors.New("queue closed")

// Config holds pool sizing and retry tuning.
type Config struct {
	// Workers is the global concurrency bound.
	Workers int

	// PerUser caps how many tasks one user may run at once. Must not
	// exceed Workers.
	PerUser int

	// MaxAttempts bounds attempts for transiently failing tasks.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; it doubles per
	// attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// DefaultEstimate is the quota reservation, in bytes, made before the
	// real media size is known.
	DefaultEstimate int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		PerUser:         2,
		MaxAttempts:     3,
		BaseBackoff:     2 * time.Second,
		MaxBackoff:      30 * time.Second,
		DefaultEstimate: 50 << 20,
	}
}

// Queue is the task queue and worker pool.
type Queue struct {
	config Config

	tracker   *task.Tracker
	registry  *extractor.Registry
	cache     *cache.Cache
	ledger    *quota.Ledger
	blocklist *extractor.Blocklist

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   lanes
	running map[string]int
	closed  bool

	flights *flightTable
	wg      sync.WaitGroup
}

// New builds a queue. Start must be called before Enqueue delivers work.
func New(cfg Config, tracker *task.Tracker, registry *extractor.Registry, results *cache.Cache, ledger *quota.Ledger, blocklist *extractor.Blocklist) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PerUser <= 0 || cfg.PerUser > cfg.Workers {
		cfg.PerUser = min(def.PerUser, cfg.Workers)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = def.DefaultEstimate
	}

	q := &Queue{
		config:    cfg,
		tracker:   tracker,
		registry:  registry,
		cache:     results,
		ledger:    ledger,
		blocklist: blocklist,
		running:   make(map[string]int),
		flights:   newFlightTable(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		q.Close()
	}()
	logger.Info("worker pool started", "workers", q.config.Workers, "per_user", q.config.PerUser)
}

// Close stops dequeuing and waits for in-flight attempts to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

// Enqueue schedules a task for execution. Non-blocking.
func (q *Queue) Enqueue(t task.Task) error {
	return q.enqueue(&item{
		taskID:      t.ID,
		userID:      t.Request.UserID,
		tier:        t.Request.Tier,
		locator:     t.Request.Locator,
		options:     t.Request.Options,
		fingerprint: t.Fingerprint,
	})
}

func (q *Queue) enqueue(it *item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.lanes.push(it)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// Depth reports queued (not running) task counts.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes.len()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		q.process(ctx, it)
		q.release(it.userID)
	}
}

// next blocks until an eligible item is available or the queue closes.
func (q *Queue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		it, ok := q.lanes.pop(func(userID string) bool {
			return q.running[userID] < q.config.PerUser
		})
		if ok {
			q.running[it.userID]++
			return it, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) release(userID string) {
	q.mu.Lock()
	q.running[userID]--
	if q.running[userID] <= 0 {
		delete(q.running, userID)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// process runs a single attempt of a task.
func (q *Queue) process(ctx context.Context, it *item) {
	attemptCtx, cancel := context.WithCancel(ctx)
	detached := false
	defer func() {
		if !detached {
			cancel()
		}
	}()

	started, err := q.tracker.MarkProcessing(it.taskID, cancel)
	if err != nil {
		logger.Error("cannot start task attempt", "task", it.taskID, "error", err)
		q.abandonFlight(it, err)
		return
	}
	if !started {
		// Cancelled before pickup. Never executes, never reserves quota.
		q.abandonFlight(it, task.ErrCancelled)
		return
	}
	if q.tracker.Cancelled(it.taskID) {
		q.finish(it, nil, "", task.ErrCancelled)
		return
	}

	reservation, err := q.ledger.Reserve(attemptCtx, it.userID, it.tier, q.config.DefaultEstimate)
	if err != nil {
		// Quota breaches fail fast and never consume a retry.
		q.finish(it, nil, "", err)
		return
	}

	if entry, ok := q.cache.Get(attemptCtx, it.fingerprint); ok {
		reservation.Release(attemptCtx)
		result := entry.Result
		q.finish(it, &result, entry.Location, nil)
		return
	}

	f, leading := q.flights.begin(it.fingerprint, it.taskID)
	if !leading {
		// Wait out the leader off the worker: a pool full of followers
		// must never starve the leader of a worker slot.
		detached = true
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer cancel()
			q.follow(attemptCtx, it, f, reservation)
		}()
		return
	}

	q.tracker.SetProgress(it.taskID, 10)
	extractCtx := extractor.WithProgress(attemptCtx, func(percent int) {
		// Extraction spans the 10-80 band of overall task progress.
		q.tracker.SetProgress(it.taskID, 10+percent*7/10)
	})
	result, err := q.extract(extractCtx, it)
	if err != nil {
		reservation.Release(attemptCtx)
		q.handleFailure(attemptCtx, it, f, err)
		return
	}
	q.tracker.SetProgress(it.taskID, 80)

	var resultRef string
	if entry, cerr := q.cache.Put(attemptCtx, it.fingerprint, result); cerr != nil {
		logger.Warn("result not durably cached", "task", it.taskID, "fingerprint", it.fingerprint, "error", cerr)
	} else {
		resultRef = entry.Location
	}
	reservation.Commit(attemptCtx, result.Size())
	logger.Debug("extraction done", "task", it.taskID, "size", humanize.Bytes(uint64(result.Size())))
	q.finish(it, result, resultRef, nil)
}

// extract resolves an extractor and runs it, converting panics into
// transient failures so a broken extractor never kills the worker.
func (q *Queue) extract(ctx context.Context, it *item) (result *extractor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = extractor.Transient(fmt.Errorf("extractor panic: %v", r))
		}
	}()

	ext, err := q.registry.Resolve(it.locator)
	if err != nil {
		return nil, err
	}

	result, err = ext.Extract(ctx, it.locator, it.options)
	if err != nil {
		return nil, err
	}
	if err := q.blocklist.Check(result); err != nil {
		return nil, err
	}
	return result, nil
}

// follow awaits the flight leader's outcome and copies it. Followers never
// retry on their own; they share the leader's fate.
func (q *Queue) follow(ctx context.Context, it *item, f *flight, reservation *quota.Reservation) {
	select {
	case <-f.done:
	case <-ctx.Done():
		reservation.Release(ctx)
		q.finish(it, nil, "", task.ErrCancelled)
		return
	}

	reservation.Release(ctx)
	if f.err != nil {
		q.finish(it, nil, "", f.err)
		return
	}
	q.finish(it, f.result, f.resultRef, nil)
}

// handleFailure classifies an attempt failure and either requeues with
// backoff or finalizes the task.
func (q *Queue) handleFailure(ctx context.Context, it *item, f *flight, cause error) {
	snap, err := q.tracker.Get(it.taskID)
	if err != nil {
		q.flights.finish(it.fingerprint, f, nil, "", cause)
		return
	}

	if snap.State.Terminal() {
		// The tracker recorded an outcome first, a watchdog timeout
		// included; the flight carries that verdict, not the worker's
		// context error.
		verdict := snap.TerminalError()
		if verdict == nil {
			verdict = cause
		}
		q.finish(it, nil, "", verdict)
		return
	}

	if q.tracker.Cancelled(it.taskID) || errors.Is(cause, context.Canceled) {
		q.finish(it, nil, "", task.ErrCancelled)
		return
	}

	if extractor.IsTransient(cause) && snap.AttemptCount < q.config.MaxAttempts {
		if err := q.tracker.MarkRetry(it.taskID, cause); err != nil {
			q.finish(it, nil, "", cause)
			return
		}
		delay := q.backoff(snap.AttemptCount)
		logger.Debug("requeueing task", "task", it.taskID, "attempt", snap.AttemptCount, "delay", delay)
		time.AfterFunc(delay, func() {
			if err := q.enqueue(it); err != nil {
				q.tracker.Fail(it.taskID, task.ErrInterrupted)
				q.flights.finish(it.fingerprint, f, nil, "", task.ErrInterrupted)
			}
		})
		return
	}

	q.finish(it, nil, "", cause)
}

// backoff returns the delay before retry attempt+1: base doubled per
// completed attempt, capped.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.config.MaxBackoff {
			return q.config.MaxBackoff
		}
	}
	if delay > q.config.MaxBackoff {
		delay = q.config.MaxBackoff
	}
	return delay
}

// finish records the task's terminal outcome and resolves its flight if it
// leads one.
func (q *Queue) finish(it *item, result *extractor.Result, resultRef string, cause error) {
	if cause != nil {
		if err := q.tracker.Fail(it.taskID, cause); err != nil {
			logger.Error("fail transition rejected", "task", it.taskID, "error", err)
		}
	} else if err := q.tracker.Complete(it.taskID, result, resultRef); err != nil {
		logger.Error("complete transition rejected", "task", it.taskID, "error", err)
	}
	q.resolveFlight(it, result, resultRef, cause)
}

// abandonFlight resolves a flight this task leads without recording a task
// outcome, so followers are not left waiting on a task that will never run.
func (q *Queue) abandonFlight(it *item, cause error) {
	q.resolveFlight(it, nil, "", cause)
}

func (q *Queue) resolveFlight(it *item, result *extractor.Result, resultRef string, cause error) {
	q.flights.mu.Lock()
	f, ok := q.flights.flights[it.fingerprint]
	q.flights.mu.Unlock()
	if !ok || f.leaderID != it.taskID {
		return
	}
	q.flights.finish(it.fingerprint, f, result, resultRef, cause)
}

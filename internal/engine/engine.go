// Package engine wires the extractor registry, cache, quota ledger, task
// tracker and worker pool into the single facade callers submit download
// requests to.
package engine

import (
	"context"
	"fmt"

	"github.com/fetchq/fetchq/internal/cache"
	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/internal/task"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// Engine accepts download requests and exposes the task lifecycle.
type Engine struct {
	registry *extractor.Registry
	results  *cache.Cache
	ledger   *quota.Ledger
	tracker  *task.Tracker
	queue    *queue.Queue
}

// New assembles an engine from its already constructed parts.
func New(registry *extractor.Registry, results *cache.Cache, ledger *quota.Ledger, tracker *task.Tracker, q *queue.Queue) *Engine {
	return &Engine{
		registry: registry,
		results:  results,
		ledger:   ledger,
		tracker:  tracker,
		queue:    q,
	}
}

// Start launches the worker pool, the task watchdog and the cache sweeper.
// They run until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)
	e.tracker.StartWatchdog(ctx)
	e.results.StartSweeper(ctx)
	logger.Info("engine started", "extractors", len(e.registry.Descriptors()))
}

// Close drains the worker pool.
func (e *Engine) Close() {
	e.queue.Close()
}

// Submit validates a request, creates a task and schedules it. Returns the
// task ID for polling or subscription.
func (e *Engine) Submit(ctx context.Context, req request.DownloadRequest) (string, error) {
	if err := request.Validate(req); err != nil {
		return "", err
	}

	fp := fingerprint.Compute(req.Locator, req.Options)
	t, err := e.tracker.Create(req, fp)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := e.queue.Enqueue(t); err != nil {
		e.tracker.Fail(t.ID, err)
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	logger.Info("request submitted", "task", t.ID, "user", req.UserID, "tier", req.Tier)
	return t.ID, nil
}

// Poll returns the current status of a task.
func (e *Engine) Poll(taskID string) (task.StatusView, error) {
	return e.tracker.Poll(taskID)
}

// Subscribe returns a channel delivering the task's terminal status once.
func (e *Engine) Subscribe(taskID string) (<-chan task.StatusView, error) {
	return e.tracker.Subscribe(taskID)
}

// Tasks lists every tracked task, newest first.
func (e *Engine) Tasks() []task.StatusView {
	return e.tracker.List()
}

// Cancel requests best-effort cancellation of a task.
func (e *Engine) Cancel(taskID string) error {
	return e.tracker.Cancel(taskID)
}

// Takedown eagerly removes the cached result for a locator and options,
// regardless of TTL.
func (e *Engine) Takedown(ctx context.Context, locator string, options map[string]string) error {
	fp := fingerprint.Compute(locator, options)
	if err := e.results.Invalidate(ctx, fp); err != nil {
		return fmt.Errorf("invalidate %s: %w", fp, err)
	}
	logger.Warn("cached result taken down", "fingerprint", fp)
	return nil
}

// Usage reports a user's consumed bytes and their tier limit.
func (e *Engine) Usage(userID string, tier request.Tier) (consumed, limit int64) {
	return e.ledger.Consumed(userID), e.ledger.Limit(tier)
}

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchq/fetchq/internal/cache"
	"github.com/fetchq/fetchq/internal/database"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/internal/store"
	"github.com/fetchq/fetchq/internal/task"
	"github.com/fetchq/fetchq/pkg/extractor"
)

type countingExtractor struct {
	calls atomic.Int32
}

func (c *countingExtractor) Name() string { return "counting" }

func (c *countingExtractor) CanHandle(locator string) bool { return true }

func (c *countingExtractor) Extract(ctx context.Context, locator string, options map[string]string) (*extractor.Result, error) {
	c.calls.Add(1)
	return &extractor.Result{
		Title:     "result",
		MediaType: "video",
		Streams:   []extractor.Stream{{URL: locator, Format: "mp4", Size: 2 << 20}},
	}, nil
}

func newTestEngine(t *testing.T, ext extractor.Extractor) *Engine {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	results, err := cache.New(cache.DefaultConfig(), nil, db, blobs)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	ledger, err := quota.NewLedger(nil, nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	tracker, err := task.NewTracker(task.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	registry := extractor.NewRegistry()
	registry.Register("counting", 10, ext)

	cfg := queue.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	q := queue.New(cfg, tracker, registry, results, ledger, extractor.NewBlocklist(nil))

	return New(registry, results, ledger, tracker, q)
}

func await(t *testing.T, e *Engine, taskID string) task.StatusView {
	t.Helper()
	ch, err := e.Subscribe(taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case view := <-ch:
		return view
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never finished", taskID)
		return task.StatusView{}
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	e := newTestEngine(t, &countingExtractor{})

	tests := []struct {
		name string
		req  request.DownloadRequest
	}{
		{"empty locator", request.DownloadRequest{UserID: "u", Tier: request.TierFree}},
		{"not a url", request.DownloadRequest{UserID: "u", Locator: "not a url", Tier: request.TierFree}},
		{"missing user", request.DownloadRequest{Locator: "https://example.com/a", Tier: request.TierFree}},
		{"bad tier", request.DownloadRequest{UserID: "u", Locator: "https://example.com/a", Tier: "gold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Submit(context.Background(), tt.req); !errors.Is(err, request.ErrValidation) {
				t.Errorf("Submit = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSubmitPollSubscribeRoundTrip(t *testing.T) {
	ext := &countingExtractor{}
	e := newTestEngine(t, ext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	id, err := e.Submit(ctx, request.DownloadRequest{
		UserID:  "user-1",
		Locator: "https://example.com/video",
		Tier:    request.TierFree,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := await(t, e, id)
	if view.State != task.StateCompleted {
		t.Fatalf("state = %s (%s), want completed", view.State, view.Error)
	}

	polled, err := e.Poll(id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if polled.State != view.State || polled.ResultRef != view.ResultRef {
		t.Errorf("poll and subscribe disagree: %+v vs %+v", polled, view)
	}
}

func TestIdenticalSubmissionsShareOneExtraction(t *testing.T) {
	ext := &countingExtractor{}
	e := newTestEngine(t, ext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	const locator = "https://example.com/viral"
	idA, err := e.Submit(ctx, request.DownloadRequest{UserID: "alice", Locator: locator, Tier: request.TierFree})
	if err != nil {
		t.Fatalf("Submit alice: %v", err)
	}
	idB, err := e.Submit(ctx, request.DownloadRequest{UserID: "bob", Locator: locator, Tier: request.TierFree})
	if err != nil {
		t.Fatalf("Submit bob: %v", err)
	}

	viewA := await(t, e, idA)
	viewB := await(t, e, idB)

	if viewA.State != task.StateCompleted || viewB.State != task.StateCompleted {
		t.Fatalf("states = %s/%s, want completed/completed", viewA.State, viewB.State)
	}
	if viewA.ResultRef != viewB.ResultRef {
		t.Errorf("result refs differ: %q vs %q", viewA.ResultRef, viewB.ResultRef)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Errorf("extraction invocations = %d, want 1", n)
	}
}

func TestEquivalentLocatorsShareFingerprint(t *testing.T) {
	ext := &countingExtractor{}
	e := newTestEngine(t, ext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	// Tracking parameters and fragments do not make a new download.
	idA, err := e.Submit(ctx, request.DownloadRequest{
		UserID: "alice", Locator: "https://Example.com/watch?v=abc&utm_source=share", Tier: request.TierFree,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, e, idA)

	idB, err := e.Submit(ctx, request.DownloadRequest{
		UserID: "bob", Locator: "https://example.com/watch?v=abc#t=42", Tier: request.TierFree,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view := await(t, e, idB)

	if view.State != task.StateCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Errorf("extraction invocations = %d, want 1 (second should hit cache)", n)
	}
}

func TestCancelBeforeStartNeverRuns(t *testing.T) {
	ext := &countingExtractor{}
	e := newTestEngine(t, ext)

	// Workers not started yet, so the task cannot have been picked up.
	id, err := e.Submit(context.Background(), request.DownloadRequest{
		UserID: "user-1", Locator: "https://example.com/regret", Tier: request.TierFree,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	view := await(t, e, id)
	if view.State != task.StateCancelled {
		t.Fatalf("state = %s, want cancelled", view.State)
	}
	time.Sleep(50 * time.Millisecond)
	if n := ext.calls.Load(); n != 0 {
		t.Errorf("cancelled task was extracted %d times", n)
	}
	if consumed, _ := e.Usage("user-1", request.TierFree); consumed != 0 {
		t.Errorf("cancelled task consumed quota: %d", consumed)
	}
}

func TestTakedownRemovesCachedResult(t *testing.T) {
	ext := &countingExtractor{}
	e := newTestEngine(t, ext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	const locator = "https://example.com/reported"
	id, err := e.Submit(ctx, request.DownloadRequest{UserID: "alice", Locator: locator, Tier: request.TierFree})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, e, id)

	if err := e.Takedown(ctx, locator, nil); err != nil {
		t.Fatalf("Takedown: %v", err)
	}

	// The next request must re-extract.
	id2, err := e.Submit(ctx, request.DownloadRequest{UserID: "bob", Locator: locator, Tier: request.TierFree})
	if err != nil {
		t.Fatalf("Submit after takedown: %v", err)
	}
	await(t, e, id2)
	if n := ext.calls.Load(); n != 2 {
		t.Errorf("extraction invocations = %d, want 2 after takedown", n)
	}
}

func TestPollUnknownTask(t *testing.T) {
	e := newTestEngine(t, &countingExtractor{})
	if _, err := e.Poll("missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Poll = %v, want ErrTaskNotFound", err)
	}
	if err := e.Cancel("missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Cancel = %v, want ErrTaskNotFound", err)
	}
}

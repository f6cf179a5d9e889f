package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// record wraps a task with its tracker-private state. Each record has its
// own lock so unrelated tasks never serialize against each other.
type record struct {
	mu   sync.Mutex
	task Task

	// cancelRequested is set when the caller asks for cancellation while
	// the task is PROCESSING. If it is recorded before the worker records
	// completion, CANCELLED wins.
	cancelRequested bool

	// cancel signals the in-flight extraction to stop. Cooperative: the
	// extraction may complete anyway before observing it.
	cancel context.CancelFunc

	subscribers []chan StatusView
}

// Config holds tracker tuning.
type Config struct {
	// MaxTaskDuration is the watchdog bound on a single execution span.
	MaxTaskDuration time.Duration

	// WatchdogInterval is how often the watchdog scans for stuck tasks.
	WatchdogInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTaskDuration:  10 * time.Minute,
		WatchdogInterval: 15 * time.Second,
	}
}

// Tracker owns all task records and the legal transitions between states.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record

	config Config
	db     *sql.DB // nil disables persistence
	now    func() time.Time
}

// NewTracker creates a tracker persisting task records to db. db may be nil
// for an in-memory tracker (tests).
func NewTracker(cfg Config, db *sql.DB) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.MaxTaskDuration <= 0 {
		cfg.MaxTaskDuration = def.MaxTaskDuration
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}

	t := &Tracker{
		records: make(map[string]*record),
		config:  cfg,
		db:      db,
		now:     time.Now,
	}
	if db != nil {
		if err := t.initTable(); err != nil {
			return nil, err
		}
		if err := t.recoverInterrupted(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Create registers a new PENDING task for the request.
func (t *Tracker) Create(req request.DownloadRequest, fp fingerprint.Fingerprint) (Task, error) {
	task := Task{
		ID:          uuid.NewString(),
		Request:     req,
		Fingerprint: fp,
		State:       StatePending,
		CreatedAt:   t.now(),
	}

	rec := &record{task: task}
	t.mu.Lock()
	t.records[task.ID] = rec
	t.mu.Unlock()

	t.persist(&task)
	logger.Debug("task created", "task", task.ID, "user", req.UserID, "fingerprint", fp)
	return task, nil
}

func (t *Tracker) record(id string) (*record, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec, nil
}

// Get returns a snapshot of the task.
func (t *Tracker) Get(id string) (Task, error) {
	rec, err := t.record(id)
	if err != nil {
		return Task{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task, nil
}

// Poll returns the external status view of a task.
func (t *Tracker) Poll(id string) (StatusView, error) {
	rec, err := t.record(id)
	if err != nil {
		return StatusView{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return t.viewLocked(rec), nil
}

// Subscribe returns a channel that receives the terminal status view once
// and is then closed. A task already terminal notifies immediately.
func (t *Tracker) Subscribe(id string) (<-chan StatusView, error) {
	rec, err := t.record(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan StatusView, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		ch <- t.viewLocked(rec)
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

// List returns a status view of every tracked task, newest first.
func (t *Tracker) List() []StatusView {
	t.mu.RLock()
	recs := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec)
	}
	t.mu.RUnlock()

	type dated struct {
		view      StatusView
		createdAt time.Time
	}
	all := make([]dated, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		all = append(all, dated{t.viewLocked(rec), rec.task.CreatedAt})
		rec.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.After(all[j].createdAt) })

	views := make([]StatusView, len(all))
	for i, d := range all {
		views[i] = d.view
	}
	return views
}

// viewLocked builds a StatusView. Caller holds the record lock.
func (t *Tracker) viewLocked(rec *record) StatusView {
	task := rec.task
	view := StatusView{
		TaskID:    task.ID,
		State:     task.State,
		Progress:  task.Progress,
		Error:     task.LastError,
		ResultRef: task.ResultRef,
		Result:    task.Result,
	}
	if task.State == StateProcessing && task.StartedAt != nil && task.Progress > 0 {
		elapsed := t.now().Sub(*task.StartedAt)
		view.ETA = elapsed * time.Duration(100-task.Progress) / time.Duration(task.Progress)
	}
	return view
}

// transitionLocked applies a state change, enforcing the transition graph.
// Caller holds the record lock.
func (t *Tracker) transitionLocked(rec *record, next State) error {
	if !rec.task.State.canTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, rec.task.State, next, rec.task.ID)
	}
	rec.task.State = next
	return nil
}

// MarkProcessing moves a task to PROCESSING for a new attempt and registers
// the cancel signal for the attempt's context. Returns false without error
// if the task was cancelled before the worker picked it up.
func (t *Tracker) MarkProcessing(id string, cancel context.CancelFunc) (bool, error) {
	rec, err := t.record(id)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		return false, nil
	}
	if err := t.transitionLocked(rec, StateProcessing); err != nil {
		return false, err
	}
	now := t.now()
	rec.task.StartedAt = &now
	rec.task.AttemptCount++
	rec.task.Progress = 0
	rec.cancel = cancel

	t.persist(&rec.task)
	return true, nil
}

// SetProgress records extraction progress (0-100).
func (t *Tracker) SetProgress(id string, progress int) {
	rec, err := t.record(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State != StateProcessing {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	rec.task.Progress = progress
}

// MarkRetry returns a PROCESSING task to PENDING after a transient failure.
// The transition is internal: external observers just see PENDING again.
func (t *Tracker) MarkRetry(id string, cause error) error {
	rec, err := t.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		return nil
	}
	if err := t.transitionLocked(rec, StatePending); err != nil {
		return err
	}
	rec.task.LastError = cause.Error()
	rec.cancel = nil

	t.persist(&rec.task)
	return nil
}

// Complete finalizes a task as COMPLETED with its result. If a cancellation
// request was recorded first, CANCELLED takes precedence.
func (t *Tracker) Complete(id string, result *extractor.Result, resultRef string) error {
	return t.finalize(id, func(rec *record) error {
		if err := t.transitionLocked(rec, StateCompleted); err != nil {
			return err
		}
		rec.task.Progress = 100
		rec.task.Result = result
		rec.task.ResultRef = resultRef
		rec.task.LastError = ""
		return nil
	})
}

// Fail finalizes a task as FAILED with the given cause. If a cancellation
// request was recorded first, CANCELLED takes precedence.
func (t *Tracker) Fail(id string, cause error) error {
	return t.finalize(id, func(rec *record) error {
		if err := t.transitionLocked(rec, StateFailed); err != nil {
			return err
		}
		rec.task.LastError = cause.Error()
		return nil
	})
}

// finalize applies a terminal transition and notifies subscribers.
func (t *Tracker) finalize(id string, apply func(*record) error) error {
	rec, err := t.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		// The race already resolved; terminal states are final.
		return nil
	}

	if rec.cancelRequested {
		// Cancellation was recorded before this outcome.
		if err := t.transitionLocked(rec, StateCancelled); err != nil {
			return err
		}
		rec.task.LastError = ErrCancelled.Error()
	} else if err := apply(rec); err != nil {
		return err
	}

	t.completeLocked(rec)
	return nil
}

// Cancel requests cancellation. PENDING tasks become CANCELLED immediately
// and never execute; PROCESSING tasks are signalled and finish as CANCELLED
// unless a terminal outcome was recorded first.
func (t *Tracker) Cancel(id string) error {
	rec, err := t.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch {
	case rec.task.State.Terminal():
		return nil
	case rec.task.State == StatePending:
		if err := t.transitionLocked(rec, StateCancelled); err != nil {
			return err
		}
		rec.task.LastError = ErrCancelled.Error()
		t.completeLocked(rec)
		return nil
	default: // PROCESSING
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
		return nil
	}
}

// Cancelled reports whether cancellation has been requested for the task.
// Workers check this at safe points.
func (t *Tracker) Cancelled(id string) bool {
	rec, err := t.record(id)
	if err != nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cancelRequested || rec.task.State == StateCancelled
}

// completeLocked stamps the completion time, persists and notifies.
// Caller holds the record lock and has already set a terminal state.
func (t *Tracker) completeLocked(rec *record) {
	now := t.now()
	rec.task.CompletedAt = &now
	rec.cancel = nil
	t.persist(&rec.task)

	view := t.viewLocked(rec)
	for _, ch := range rec.subscribers {
		ch <- view
		close(ch)
	}
	rec.subscribers = nil

	if rec.task.State == StateCompleted && rec.task.Result != nil {
		logger.Info("task finished",
			"task", rec.task.ID,
			"state", rec.task.State,
			"attempts", rec.task.AttemptCount,
			"size", humanize.Bytes(uint64(rec.task.Result.Size())))
	} else {
		logger.Info("task finished",
			"task", rec.task.ID,
			"state", rec.task.State,
			"attempts", rec.task.AttemptCount,
			"error", rec.task.LastError)
	}
}

// StartWatchdog marks tasks FAILED with a timeout error when they exceed
// the maximum execution duration, regardless of extraction cooperation.
func (t *Tracker) StartWatchdog(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.config.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.reapStuck()
			}
		}
	}()
}

func (t *Tracker) reapStuck() {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	now := t.now()
	for _, id := range ids {
		rec, err := t.record(id)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		stuck := rec.task.State == StateProcessing &&
			rec.task.StartedAt != nil &&
			now.Sub(*rec.task.StartedAt) > t.config.MaxTaskDuration
		cancel := rec.cancel
		rec.mu.Unlock()

		if !stuck {
			continue
		}
		logger.Warn("watchdog killing stuck task", "task", id)
		// Record the verdict before signalling the attempt, so the worker
		// wakes to a task that already knows why it died.
		if err := t.Fail(id, ErrTimeout); err != nil {
			logger.Warn("watchdog fail transition rejected", "task", id, "error", err)
		}
		if cancel != nil {
			cancel()
		}
	}
}

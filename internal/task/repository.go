package task

import (
	"encoding/json"
	"time"

	"github.com/fetchq/fetchq/internal/logger"
)

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	locator TEXT NOT NULL,
	options_json TEXT NOT NULL,
	tier TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	state TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	result_ref TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

func (t *Tracker) initTable() error {
	_, err := t.db.Exec(tasksSchema)
	return err
}

// persist writes the task row. Persistence failures degrade to a log line;
// the in-memory record stays authoritative for the running process.
func (t *Tracker) persist(task *Task) {
	if t.db == nil {
		return
	}

	options, err := json.Marshal(task.Request.Options)
	if err != nil {
		options = []byte("{}")
	}
	resultJSON := ""
	if task.Result != nil {
		if b, err := json.Marshal(task.Result); err == nil {
			resultJSON = string(b)
		}
	}

	var startedAt, completedAt any
	if task.StartedAt != nil {
		startedAt = task.StartedAt.UnixMilli()
	}
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.UnixMilli()
	}

	_, err = t.db.Exec(`
		INSERT INTO tasks (id, user_id, locator, options_json, tier, fingerprint,
			state, progress, attempt_count, last_error, result_ref, result_json,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			result_ref = excluded.result_ref,
			result_json = excluded.result_json,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		task.ID, task.Request.UserID, task.Request.Locator, string(options),
		string(task.Request.Tier), string(task.Fingerprint),
		string(task.State), task.Progress, task.AttemptCount, task.LastError,
		task.ResultRef, resultJSON,
		task.CreatedAt.UnixMilli(), startedAt, completedAt)
	if err != nil {
		logger.Warn("task persistence degraded", "task", task.ID, "error", err)
	}
}

// recoverInterrupted marks every persisted task left in a non-terminal state
// by a previous process as FAILED. No attempt is made to resume them.
func (t *Tracker) recoverInterrupted() error {
	res, err := t.db.Exec(`
		UPDATE tasks SET
			state = ?,
			last_error = ?,
			completed_at = ?
		WHERE state IN (?, ?)`,
		string(StateFailed), ErrInterrupted.Error(), t.now().UnixMilli(),
		string(StatePending), string(StateProcessing))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Warn("marked interrupted tasks failed", "count", n)
	}
	return nil
}

// CountByState returns persisted task counts per state, for reporting.
func (t *Tracker) CountByState() (map[State]int, error) {
	counts := make(map[State]int)
	if t.db == nil {
		t.mu.RLock()
		for _, rec := range t.records {
			rec.mu.Lock()
			counts[rec.task.State]++
			rec.mu.Unlock()
		}
		t.mu.RUnlock()
		return counts, nil
	}

	rows, err := t.db.Query(`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// PruneFinished deletes terminal task rows older than the retention window.
func (t *Tracker) PruneFinished(retention time.Duration) (int64, error) {
	if t.db == nil {
		return 0, nil
	}
	cutoff := t.now().Add(-retention).UnixMilli()
	res, err := t.db.Exec(`
		DELETE FROM tasks
		WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StateCompleted), string(StateFailed), string(StateCancelled), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package queue

import (
	"sync"

	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// flight is the in-flight marker for one fingerprint. The first task to
// open it becomes the leader and performs the extraction; every other task
// with the same fingerprint awaits done and copies the outcome.
type flight struct {
	leaderID string
	done     chan struct{}

	result    *extractor.Result
	resultRef string
	err       error
}

// flightTable tracks in-flight extractions by fingerprint.
type flightTable struct {
	mu      sync.Mutex
	flights map[fingerprint.Fingerprint]*flight
}

func newFlightTable() *flightTable {
	return &flightTable{flights: make(map[fingerprint.Fingerprint]*flight)}
}

// begin returns the flight for fp and whether the caller leads it. A leader
// retrying keeps its flight open across attempts, so a task that already
// leads fp is reported as leader again.
func (t *flightTable) begin(fp fingerprint.Fingerprint, taskID string) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.flights[fp]; ok {
		return f, f.leaderID == taskID
	}
	f := &flight{leaderID: taskID, done: make(chan struct{})}
	t.flights[fp] = f
	return f, true
}

// finish records the outcome and releases all followers. Must be called
// exactly once per flight, by its leader.
func (t *flightTable) finish(fp fingerprint.Fingerprint, f *flight, result *extractor.Result, resultRef string, err error) {
	f.result = result
	f.resultRef = resultRef
	f.err = err

	t.mu.Lock()
	delete(t.flights, fp)
	t.mu.Unlock()

	close(f.done)
}

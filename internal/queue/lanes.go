package queue

import (
	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/request"
)

// item is a unit of queued work. The request itself lives in the tracker;
// the lanes only carry what scheduling needs.
type item struct {
	taskID      string
	userID      string
	tier        request.Tier
	locator     string
	options     map[string]string
	fingerprint fingerprint.Fingerprint
}

// lanes holds the two FIFO lanes. Not safe for concurrent use; the queue
// guards it with its own lock.
type lanes struct {
	premium []*item
	free    []*item
}

func (l *lanes) push(it *item) {
	if it.tier == request.TierPremium {
		l.premium = append(l.premium, it)
		return
	}
	l.free = append(l.free, it)
}

// pop removes and returns the first eligible item, premium lane first.
// eligible is the per-user admission check; an ineligible head does not
// block items queued behind it.
func (l *lanes) pop(eligible func(userID string) bool) (*item, bool) {
	if it, ok := popEligible(&l.premium, eligible); ok {
		return it, true
	}
	return popEligible(&l.free, eligible)
}

func popEligible(lane *[]*item, eligible func(userID string) bool) (*item, bool) {
	for i, it := range *lane {
		if !eligible(it.userID) {
			continue
		}
		*lane = append((*lane)[:i], (*lane)[i+1:]...)
		return it, true
	}
	return nil, false
}

func (l *lanes) len() int {
	return len(l.premium) + len(l.free)
}

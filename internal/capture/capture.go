package capture

import (
	"strings"
	"sync"
)

// Tracker keeps the last captured buffer per tag and computes "what's new"
// since the previous capture. The cache lives for the process lifetime only.
type Tracker struct {
	mu   sync.Mutex
	last map[string]string // tag_id -> last observed full buffer
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]string)}
}

// Incremental returns the delta between previous and current. When current
// begins with previous as a literal prefix the delta is the remaining
// suffix; otherwise (scrolled, cleared, shrank) the whole current buffer is
// the delta. There is deliberately no general diff here.
func Incremental(previous, current string) string {
	if strings.HasPrefix(current, previous) {
		return current[len(previous):]
	}
	return current
}

// Observe records current as the latest buffer for the tag and returns the
// delta against the previously recorded buffer. The cache updates whether or
// not the caller acts on the delta, so repeated captures without intervening
// output yield empty deltas.
func (t *Tracker) Observe(tagID, current string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := Incremental(t.last[tagID], current)
	t.last[tagID] = current
	return delta
}

// Forget drops the cached buffer for a tag, e.g. when its tab is deleted.
func (t *Tracker) Forget(tagID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, tagID)
}

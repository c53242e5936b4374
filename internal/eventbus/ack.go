package eventbus

import (
	"bytes"
	"sync"
)

// ackTracker keeps delivery order while events complete out of order.
// The checkpoint may only advance past an event once every event
// delivered before it is also done; otherwise a crash could skip work
// that was still in flight.
type ackTracker struct {
	mu      sync.Mutex
	pending []ackEntry
}

type ackEntry struct {
	replayID []byte
	done     bool
}

func newAckTracker() *ackTracker {
	return &ackTracker{}
}

// Add registers a delivered event in arrival order.
func (t *ackTracker) Add(replayID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, ackEntry{replayID: append([]byte(nil), replayID...)})
}

// Complete marks the event with the given replay id done.
func (t *ackTracker) Complete(replayID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pending {
		if bytes.Equal(t.pending[i].replayID, replayID) {
			t.pending[i].done = true
			return
		}
	}
}

// Advance drains the contiguous done prefix and returns the newest
// replay id that is now safe to checkpoint, or nil when the oldest
// in-flight event is still unfinished.
func (t *ackTracker) Advance() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var last []byte
	i := 0
	for ; i < len(t.pending) && t.pending[i].done; i++ {
		last = t.pending[i].replayID
	}
	t.pending = t.pending[i:]
	return last
}

// InFlight reports how many delivered events have not completed yet.
func (t *ackTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.pending {
		if !e.done {
			n++
		}
	}
	return n
}

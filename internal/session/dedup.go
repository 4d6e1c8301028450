package session

import (
	"sync"

	"github.com/google/uuid"
)

type dedupKey struct {
	conv uuid.UUID
	seq  int64
}

// dedupWindow suppresses duplicate message pushes on one connection. Two
// guards: a per-conversation high watermark (in-order pushes always carry a
// higher seq, so anything at or below the watermark was already applied)
// and a bounded ring of recently pushed ids covering replay bursts. The
// ring is a fixed arena with a map index; nothing here grows without bound.
type dedupWindow struct {
	mu   sync.Mutex
	high map[uuid.UUID]int64
	ring []dedupKey
	idx  map[dedupKey]struct{}
	next int
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &dedupWindow{
		high: make(map[uuid.UUID]int64),
		ring: make([]dedupKey, capacity),
		idx:  make(map[dedupKey]struct{}, capacity),
	}
}

// Admit records the event and reports whether it should be delivered.
// Returns false for anything already seen.
func (w *dedupWindow) Admit(conv uuid.UUID, seq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := dedupKey{conv: conv, seq: seq}
	if _, dup := w.idx[k]; dup {
		return false
	}
	if seq <= w.high[conv] {
		return false
	}
	w.high[conv] = seq

	old := w.ring[w.next]
	if _, ok := w.idx[old]; ok {
		delete(w.idx, old)
	}
	w.ring[w.next] = k
	w.idx[k] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return true
}

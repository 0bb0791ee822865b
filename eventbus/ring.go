package eventbus

import (
	"sync"
	"time"
)

// eventRing is a bounded FIFO buffer of events. When full, adding evicts
// the oldest entry.
type eventRing struct {
	mu   sync.Mutex
	buf  []Event
	size int
}

func newEventRing(size int) *eventRing {
	if size < 1 {
		size = 1
	}
	return &eventRing{size: size}
}

func (r *eventRing) add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, event)
}

func (r *eventRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// snapshot returns a copy of the buffer, oldest first.
func (r *eventRing) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.buf))
	copy(out, r.buf)
	return out
}

// purgeExpired drops entries past their expiry and reports how many.
func (r *eventRing) purgeExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.buf[:0]
	purged := 0
	for _, event := range r.buf {
		if event.Expired(now) {
			purged++
			continue
		}
		kept = append(kept, event)
	}
	r.buf = kept
	return purged
}

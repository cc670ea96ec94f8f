package hook

import "github.com/blueberrycongee/sicc/internal/learning"

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []learning.Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]learning.Event, capacity)}
}

func (r *ring) len() int { return r.count }

// push appends ev and reports whether the oldest entry was evicted.
func (r *ring) push(ev learning.Event) bool {
	if r.count == len(r.buf) {
		r.buf[r.head] = ev
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = ev
	r.count++
	return false
}

// popN removes up to n entries from the front.
func (r *ring) popN(n int) []learning.Event {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]learning.Event, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.head]
		r.buf[r.head] = learning.Event{}
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count -= n
	return out
}

// pushFront returns events to the front in their original order. When they
// do not all fit the oldest are lost; the count is returned.
func (r *ring) pushFront(events []learning.Event) int {
	for i := len(events) - 1; i >= 0; i-- {
		if r.count == len(r.buf) {
			return i + 1
		}
		r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
		r.buf[r.head] = events[i]
		r.count++
	}
	return 0
}

package session

import "github.com/veilchat/remote/internal/transport"

// eventBuffer is a fixed-capacity FIFO that drops its oldest entry on
// overflow. Events missed during a long outage are the recoverable
// kind; the satellite refreshes its view after reconnecting anyway.
type eventBuffer struct {
	entries []transport.Frame
	cap     int
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{cap: capacity}
}

// push appends an event and reports whether the oldest entry was
// dropped to make room.
func (b *eventBuffer) push(f transport.Frame) (dropped bool) {
	if len(b.entries) == b.cap {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = f
		return true
	}
	b.entries = append(b.entries, f)
	return false
}

// drain removes and returns everything, oldest first.
func (b *eventBuffer) drain() []transport.Frame {
	out := b.entries
	b.entries = nil
	return out
}

// restore puts frames back at the front after a failed flush. Only
// valid right after drain, while the buffer is empty.
func (b *eventBuffer) restore(frames []transport.Frame) {
	b.entries = append(frames, b.entries...)
}

func (b *eventBuffer) clear() {
	b.entries = nil
}

func (b *eventBuffer) len() int {
	return len(b.entries)
}

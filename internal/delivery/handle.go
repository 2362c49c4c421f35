package delivery

import (
	"sync"

	"github.com/karin0/bili-live-bot/internal/message"
)

// Handle accumulates messages for one (room, chat) pair and occupies at most
// one slot in the Queue at a time.
type Handle struct {
	RoomID int64
	ChatID int64

	q *Queue

	mu       sync.Mutex
	msgs     []message.Message
	detached bool

	enqueued bool // guarded by q.mu
}

// Push appends msg and schedules the handle. It reports false once detached.
func (h *Handle) Push(msg message.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return false
	}
	h.msgs = append(h.msgs, msg)
	// Enqueue under h.mu so a concurrent Detach always cancels what we scheduled.
	h.q.Enqueue(h)
	return true
}

// Pending returns the number of messages waiting for the next flush.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Detach discards pending content and removes the handle from the queue.
// Later pushes are ignored.
func (h *Handle) Detach() {
	h.mu.Lock()
	h.detached = true
	h.msgs = nil
	h.mu.Unlock()
	h.q.Cancel(h)
}

// take drains the pending messages.
func (h *Handle) take() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return nil
	}
	msgs := h.msgs
	h.msgs = nil
	return msgs
}

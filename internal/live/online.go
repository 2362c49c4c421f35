package live

import (
	"context"
	"sync"
)

// onlineCell holds the room's online count. It starts unresolved; the first
// observation resolves it and releases every waiter exactly once.
type onlineCell struct {
	mu       sync.Mutex
	value    int64
	resolved bool
	ready    chan struct{}
}

func newOnlineCell() *onlineCell {
	return &onlineCell{ready: make(chan struct{})}
}

// observe stores v and reports whether it is a change worth broadcasting.
// The first value is a baseline and never is.
func (c *onlineCell) observe(v int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resolved {
		c.value = v
		c.resolved = true
		close(c.ready)
		return false
	}
	if c.value == v {
		return false
	}
	c.value = v
	return true
}

func (c *onlineCell) get() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.resolved
}

// wait returns the value, blocking until the first observation, ctx or closed.
func (c *onlineCell) wait(ctx context.Context, closed <-chan struct{}) (int64, error) {
	if v, ok := c.get(); ok {
		return v, nil
	}
	select {
	case <-c.ready:
		v, _ := c.get()
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-closed:
		return 0, ErrRoomClosed
	}
}

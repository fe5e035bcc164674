package core

import (
	"sync"
	"sync/atomic"
)

// Warning is one server notice. Nodes are immutable once linked: the message
// never changes and the next pointer is set exactly once when a newer warning
// is appended behind it.
type Warning struct {
	Message string
	next    atomic.Pointer[Warning]
}

// Next returns the warning appended after w, or nil.
func (w *Warning) Next() *Warning { return w.next.Load() }

// WarningChain is an append-only FIFO list of server notices. Appending and
// clearing are serialized by a mutex; readers traverse from a head snapshot
// without the lock because linked nodes are immutable. A Clear only detaches
// the chain: holders of an old head can still walk it to its end, the old
// chain simply stops growing.
type WarningChain struct {
	mu   sync.Mutex
	head *Warning
	tail *Warning
}

// Append links a new warning at the tail.
func (c *WarningChain) Append(message string) {
	w := &Warning{Message: message}
	c.mu.Lock()
	if c.tail == nil {
		c.head = w
	} else {
		c.tail.next.Store(w)
	}
	c.tail = w
	c.mu.Unlock()
}

// Head returns the current first warning without blocking appenders for the
// traversal that follows.
func (c *WarningChain) Head() *Warning {
	c.mu.Lock()
	h := c.head
	c.mu.Unlock()
	return h
}

// Clear detaches the chain. Previously linked nodes are not mutated.
func (c *WarningChain) Clear() {
	c.mu.Lock()
	c.head = nil
	c.tail = nil
	c.mu.Unlock()
}

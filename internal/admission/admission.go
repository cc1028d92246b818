package admission

import "sync"

// Controller bounds the number of jobs running at once. There is no queue:
// a caller that cannot be admitted is expected to retry later.
type Controller struct {
	mu       sync.Mutex
	inUse    int
	capacity int
}

// New creates a controller with the given number of slots. A non-positive
// capacity is treated as one.
func New(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	return &Controller{capacity: capacity}
}

// TryAdmit takes a slot if one is free.
func (c *Controller) TryAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse >= c.capacity {
		return false
	}
	c.inUse++
	return true
}

// Release returns a slot. Extra releases are ignored.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse > 0 {
		c.inUse--
	}
}

func (c *Controller) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *Controller) Capacity() int {
	return c.capacity
}

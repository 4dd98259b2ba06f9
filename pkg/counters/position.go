package counters

// Counter is a handle to one allocated slot. Value access is safe from any
// thread; Close must run on the conductor thread that owns the Manager.
type Counter struct {
	manager *Manager
	id      int32
	closed  bool
}

// NewCounter wraps an allocated slot in a handle
func NewCounter(manager *Manager, id int32) *Counter {
	return &Counter{manager: manager, id: id}
}

// ID returns the counter id, the index clients use against the counters file
func (c *Counter) ID() int32 {
	return c.id
}

// Get reads the value with ordered semantics
func (c *Counter) Get() int64 {
	return c.manager.GetValue(c.id)
}

// Set publishes the value with ordered semantics
func (c *Counter) Set(value int64) {
	c.manager.SetValue(c.id, value)
}

// Increment adds one to the value
func (c *Counter) Increment() int64 {
	return c.manager.values.AddInt64Ordered(int(c.id)*ValueLength, 1)
}

// Close frees the underlying slot; idempotent
func (c *Counter) Close() {
	if !c.closed {
		c.closed = true
		c.manager.Free(c.id)
	}
}

// IsClosed reports whether the slot has been freed
func (c *Counter) IsClosed() bool {
	return c.closed
}

// Position is a stream position published through a counter slot. The
// conductor allocates positions; the data plane advances them.
type Position = Counter

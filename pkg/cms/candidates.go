package cms

// Candidates is a bounded registry of keys worth scoring with
// TrendingTracker.TopK. Keys are admitted first come, first served until the
// capacity is reached; later keys are rejected. It is an explicit value owned
// by the caller, never shared global state.
type Candidates struct {
	capacity int
	index    map[string]struct{}
	keys     []string
}

// NewCandidates creates a registry holding at most capacity keys. A
// capacity <= 0 means unbounded.
func NewCandidates(capacity int) *Candidates {
	return &Candidates{
		capacity: capacity,
		index:    make(map[string]struct{}),
	}
}

// Observe registers key and reports whether it is tracked.
func (c *Candidates) Observe(key string) bool {
	if _, ok := c.index[key]; ok {
		return true
	}
	if c.capacity > 0 && len(c.keys) >= c.capacity {
		return false
	}
	c.index[key] = struct{}{}
	c.keys = append(c.keys, key)
	return true
}

// Contains reports whether key is tracked.
func (c *Candidates) Contains(key string) bool {
	_, ok := c.index[key]
	return ok
}

// Keys returns the tracked keys in admission order.
func (c *Candidates) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of tracked keys.
func (c *Candidates) Len() int { return len(c.keys) }

// Capacity returns the configured capacity.
func (c *Candidates) Capacity() int { return c.capacity }

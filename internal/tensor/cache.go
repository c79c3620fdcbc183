package tensor

import (
	"sync"

	"github.com/YouSenRong/mindspore/internal/protocol"
)

// Cache holds references to captured tensors, keyed by full name. Captures
// are produced by the execution engine; the cache only references them until
// serialization for transfer.
type Cache struct {
	mu      sync.RWMutex
	order   []*Capture
	byFull  map[string]*Capture
	byTrunc map[string]*Capture
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		byFull:  make(map[string]*Capture),
		byTrunc: make(map[string]*Capture),
	}
}

// Put registers a capture. A capture with the same full name replaces the
// previous one in place.
func (c *Cache) Put(capture *Capture) {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := capture.FullName(false)
	if prev, ok := c.byFull[full]; ok {
		for i, existing := range c.order {
			if existing == prev {
				c.order[i] = capture
				break
			}
		}
	} else {
		c.order = append(c.order, capture)
	}
	c.byFull[full] = capture
	c.byTrunc[capture.FullName(true)] = capture
}

// Find resolves one requested tensor identity, honoring scope truncation.
// Returns nil when the capture is not (yet) available.
func (c *Cache) Find(id protocol.TensorID) *Capture {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id.Truncate {
		return c.byTrunc[id.FullName()]
	}
	return c.byFull[id.FullName()]
}

// Lookup resolves the requested identities and returns the matched subset in
// request order. Misses are elided; callers that need placeholders use Find.
func (c *Cache) Lookup(ids []protocol.TensorID) []*Capture {
	matched := make([]*Capture, 0, len(ids))
	for _, id := range ids {
		if capture := c.Find(id); capture != nil {
			matched = append(matched, capture)
		}
	}
	return matched
}

// Enumerate returns captures in capture order. A non-empty nodeFilter
// restricts the result to captures of that node.
func (c *Cache) Enumerate(nodeFilter string) []*Capture {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if nodeFilter == "" {
		out := make([]*Capture, len(c.order))
		copy(out, c.order)
		return out
	}
	var out []*Capture
	for _, capture := range c.order {
		if capture.NodeName == nodeFilter {
			out = append(out, capture)
		}
	}
	return out
}

// Len returns the number of held captures.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Clear drops all captures.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byFull = make(map[string]*Capture)
	c.byTrunc = make(map[string]*Capture)
}

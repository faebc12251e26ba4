package network

import "sync"

// peerLimits holds the per-source-address caps of a RouterSocket.
type peerLimits struct {
	conns   *slotCounter
	streams *slotCounter
	msgs    *rateLimiter
}

func newPeerLimits(opts RouterOptions) *peerLimits {
	return &peerLimits{
		conns:   newSlotCounter(opts.MaxConnsPerIP),
		streams: newSlotCounter(opts.MaxStreamsPerIP),
		msgs:    newRateLimiter(opts.MaxMsgsPerIP, defaultRateWindow),
	}
}

// slotCounter caps concurrent holders per key. A zero max never limits.
type slotCounter struct {
	mu   sync.Mutex
	max  int
	held map[string]int
}

func newSlotCounter(limit int) *slotCounter {
	return &slotCounter{max: limit, held: make(map[string]int)}
}

func (c *slotCounter) acquire(key string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[key] >= c.max {
		return false
	}
	c.held[key]++
	return true
}

func (c *slotCounter) release(key string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[key] <= 1 {
		delete(c.held, key)
		return
	}
	c.held[key]--
}

// keys reports how many distinct keys hold a slot.
func (c *slotCounter) keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

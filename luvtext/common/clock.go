package common

import (
	"sync"
)

// SiteClock is the logical counter of a single site. It is owned by the
// local editor and advanced once per locally originated operation.
type SiteClock struct {
	mu      sync.Mutex
	site    SessionID
	counter uint64
}

// NewSiteClock creates a clock for site starting at zero.
func NewSiteClock(site SessionID) *SiteClock {
	return &SiteClock{site: site}
}

// Site returns the site identifier the clock belongs to.
func (c *SiteClock) Site() SessionID {
	return c.site
}

// Next advances the counter and returns a fresh node id.
func (c *SiteClock) Next() NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return NodeID{Site: c.site, Clock: c.counter}
}

// Current returns the last issued counter value.
func (c *SiteClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Observe advances the counter to at least clock. It never moves backwards.
func (c *SiteClock) Observe(clock uint64) {
	c.mu.Lock()
	if clock > c.counter {
		c.counter = clock
	}
	c.mu.Unlock()
}

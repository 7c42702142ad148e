package gossip

import "sync/atomic"

// Clock supplies the node-local notion of "now". Values never go backwards
// and are never compared across nodes.
type Clock interface {
	Now() int64
}

// LogicalClock counts ticks. The host advances it once per protocol tick.
type LogicalClock struct {
	now atomic.Int64
}

func (c *LogicalClock) Now() int64 { return c.now.Load() }

// Advance moves the clock forward by one and returns the new time.
func (c *LogicalClock) Advance() int64 { return c.now.Add(1) }

// Set jumps to t if t is ahead of the current time.
func (c *LogicalClock) Set(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur || c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}

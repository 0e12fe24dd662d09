// Package loop drives bounded cycles: iteration counters and the per-cycle
// state machine that decides when cycle members are ready to run again.
package loop

import "github.com/petrijr/graphflow/pkg/api"

// Decision is a counter's verdict for one received message.
type Decision int

const (
	Continue Decision = iota
	Exit
)

func (d Decision) String() string {
	if d == Exit {
		return "exit"
	}
	return "continue"
}

// Counter bounds the number of iterations through a cycle.
type Counter struct {
	cfg   api.CounterConfig
	count int
	// observed is the count right after the latest Observe, before any
	// reset on exit.
	observed int
}

// NewCounter creates a counter with a zero count.
func NewCounter(cfg api.CounterConfig) *Counter {
	return &Counter{cfg: cfg}
}

// Observe records one received message. The count always increments; the
// decision is Continue while fewer than Max messages were received before
// this one, Exit otherwise. With ResetOnExit an Exit zeroes the count.
func (c *Counter) Observe() Decision {
	prev := c.count
	c.count++
	c.observed = c.count
	if prev < c.cfg.Max {
		return Continue
	}
	if c.cfg.ResetOnExit {
		c.count = 0
	}
	return Exit
}

// Count returns the number of messages observed since the last reset.
func (c *Counter) Count() int { return c.count }

// Reset zeroes the count.
func (c *Counter) Reset() { c.count = 0 }

// ExitMessage renders the LOOP_EXIT message for the latest observed message.
func (c *Counter) ExitMessage(source string) api.Message {
	return api.LoopExitMessage(source, c.cfg, c.observed)
}

package countdown

import "fmt"

// DefaultSeconds is the wait shown after a ride is confirmed.
const DefaultSeconds = 300

// Countdown counts whole seconds down to zero and never below it.
type Countdown struct {
	remaining int
}

func (c *Countdown) Start(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.remaining = seconds
}

// Tick removes one second and reports whether the value changed.
func (c *Countdown) Tick() bool {
	if c.remaining == 0 {
		return false
	}
	c.remaining--
	return true
}

func (c *Countdown) Remaining() int { return c.remaining }

func (c *Countdown) Done() bool { return c.remaining == 0 }

func (c *Countdown) Reset() { c.remaining = 0 }

// Format renders seconds as m:ss.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

package state

import "time"

// Counter counts consecutive frames on which a signal held.
type Counter struct {
	Run int `json:"run"`
}

// Step returns the counter after one more frame with the given signal.
func (c Counter) Step(signal bool) Counter {
	if signal {
		c.Run++
	} else {
		c.Run = 0
	}
	return c
}

// Reached reports whether the signal has held for at least n frames.
func (c Counter) Reached(n int) bool {
	return c.Run >= n
}

// Debounce holds a boolean that only changes after the raw signal has
// disagreed with it for a minimum hold time.
type Debounce struct {
	Stable  bool          `json:"stable"`
	Pending bool          `json:"pending"`
	Elapsed time.Duration `json:"elapsed"`
}

// Step folds one frame of the raw signal, dt after the previous frame, into
// the debounce. changed is true on the frame Stable flips.
func (d Debounce) Step(signal bool, dt, hold time.Duration) (next Debounce, changed bool) {
	if signal == d.Stable {
		return Debounce{Stable: d.Stable}, false
	}
	if !d.Pending {
		d.Pending = true
		d.Elapsed = 0
	} else if dt > 0 {
		d.Elapsed += dt
	}
	if d.Elapsed >= hold {
		return Debounce{Stable: signal}, true
	}
	return d, false
}

package runner

import "time"

// watchdog is an idle timer. C is nil when disabled so selecting on it blocks
// forever.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.NewTimer(timeout)
	}
	return w
}

// C returns the channel that fires once the stream was idle for the timeout.
func (w *watchdog) C() <-chan time.Time {
	if w.timer == nil {
		return nil
	}
	return w.timer.C
}

// Reset restarts the idle period.
func (w *watchdog) Reset() {
	if w.timer == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop disables the watchdog for good.
func (w *watchdog) Stop() {
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
}

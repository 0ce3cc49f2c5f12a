package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger used by every pipeline stage.
// It defaults to log.Printf but may be replaced by SetLogger before the
// pipeline starts. Tests use it to capture or mute output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle suppresses repeats of a log line within a minimum interval and
// reports how many were suppressed when it next lets one through. It keeps
// hot paths such as buffer-full drops from flooding the log.
type Throttle struct {
	mu         sync.Mutex
	interval   time.Duration
	last       time.Time
	suppressed int64
	now        func() time.Time
}

// NewThrottle returns a Throttle that emits at most one line per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Logf logs through the package logger unless a line was emitted less than
// the interval ago, in which case the call is only counted.
func (t *Throttle) Logf(format string, v ...interface{}) {
	t.mu.Lock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.suppressed++
		t.mu.Unlock()
		return
	}
	suppressed := t.suppressed
	t.suppressed = 0
	t.last = now
	t.mu.Unlock()

	if suppressed > 0 {
		Logf(format+" (%d similar suppressed)", append(v, suppressed)...)
		return
	}
	Logf(format, v...)
}

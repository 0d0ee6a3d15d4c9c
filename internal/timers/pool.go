// Package timers provides a pool of reusable timers to avoid allocating a
// timer per heartbeat tick and settle wait.
package timers

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// AcquireTimer returns a timer from the pool, reset to fire after d.
func AcquireTimer(d time.Duration) *time.Timer {
	v := timerPool.Get()
	if v == nil {
		return time.NewTimer(d)
	}
	tm := v.(*time.Timer)
	if tm.Reset(d) {
		// Timer was still active which must not happen for pooled timers,
		// fall back to a fresh one.
		return time.NewTimer(d)
	}
	return tm
}

// ReleaseTimer puts a timer back to the pool, draining its channel if the
// timer already fired and nobody collected the value.
func ReleaseTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
	timerPool.Put(tm)
}

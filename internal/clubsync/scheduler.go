package clubsync

import "time"

// Timer is a scheduled task handle that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and timer scheduling so backoff and deferred
// resyncs are deterministic under test.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the runtime timers.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{timer: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.timer.Stop()
}

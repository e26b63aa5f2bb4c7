package realtime

import "time"

// Timer is a pending single-shot callback.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnect callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock uses time.AfterFunc.
var SystemClock Clock = systemClock{}

// Package clock abstracts timers and scheduled tasks so background
// loops (sync cycles, reconnects, polling) can be driven
// deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run once after d.
	AfterFunc(d time.Duration, fn func()) Task
	NewTicker(d time.Duration) Ticker
}

// Task is a scheduled, cancellable unit of work.
type Task interface {
	// Cancel stops the task. It reports whether the call prevented the
	// task from running.
	Cancel() bool
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the wall-clock implementation.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, fn func()) Task {
	return systemTask{t: time.AfterFunc(d, fn)}
}

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTask struct {
	t *time.Timer
}

func (s systemTask) Cancel() bool { return s.t.Stop() }

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }

func (s *systemTicker) Stop() { s.t.Stop() }

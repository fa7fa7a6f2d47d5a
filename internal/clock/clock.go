// Package clock abstracts timer scheduling so debounce and coalescing logic
// can be driven by a manual clock in tests instead of wall-clock waits.
package clock

import "time"

// Handle refers to a scheduled callback.
type Handle interface {
	// Stop cancels the callback. Returns false if it already fired or was stopped.
	Stop() bool
}

// Clock schedules one-shot callbacks and reports the current time.
type Clock interface {
	Now() time.Time
	// After runs fn once after d has elapsed.
	After(d time.Duration, fn func()) Handle
}

// System is the wall-clock implementation backed by time.AfterFunc.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) After(d time.Duration, fn func()) Handle {
	return systemHandle{t: time.AfterFunc(d, fn)}
}

type systemHandle struct{ t *time.Timer }

func (h systemHandle) Stop() bool { return h.t.Stop() }

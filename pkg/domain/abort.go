package domain

import "sync/atomic"

// AbortFlag is the cooperative cancellation token threaded through every
// build stage and the subprocess reader loop. Stages poll it at coarse
// points; cancellation is never preemptive.
type AbortFlag struct {
	set atomic.Bool
}

// Abort requests cancellation. Safe to call from any goroutine, repeatedly.
func (f *AbortFlag) Abort() {
	if f != nil {
		f.set.Store(true)
	}
}

// Aborted reports whether cancellation has been requested.
func (f *AbortFlag) Aborted() bool {
	return f != nil && f.set.Load()
}

// Check returns ErrAborted once cancellation has been requested.
func (f *AbortFlag) Check() error {
	if f.Aborted() {
		return ErrAborted
	}
	return nil
}

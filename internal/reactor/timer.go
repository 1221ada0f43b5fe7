package reactor

import "time"

// Timer is a single-shot callback scheduled on a Loop. Its state is only
// read and written on the loop goroutine.
type Timer struct {
	t    *time.Timer
	done bool
}

// Schedule arranges for fn to run on the loop after delay. It must be called
// from the loop goroutine.
func (l *Loop) Schedule(delay time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(delay, func() {
		l.Post(func() {
			if tm.done {
				return
			}
			tm.done = true
			fn()
		})
	})
	return tm
}

// Cancel prevents the callback from running. Cancelling a nil, fired or
// already cancelled timer is a no-op.
func (t *Timer) Cancel() {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.t.Stop()
}

// Pending reports whether the callback has neither run nor been cancelled.
func (t *Timer) Pending() bool {
	return t != nil && !t.done
}

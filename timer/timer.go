// Package timer implements the reactor's priority-ordered timer wheel:
// a Timer with one-shot/recurring/catch-up semantics, and a TimerList
// that keeps timers ordered by (deadline, insertion id) and fires all
// due timers on demand.
//
// Timers are mutated only from the reactor thread (or before the owning
// reactor starts running); nothing here is safe for concurrent use by
// itself. The Reactor is responsible for that contract.
package timer

import "github.com/solstice-io/reactorws/clock"

// MinInterval is the smallest recurrence interval a Timer will honor;
// smaller requested intervals are clamped up to this value.
const MinInterval = clock.Microsecond

// Action is invoked when a Timer fires. now is the reactor's cached
// cycle time, not necessarily the timer's own deadline.
type Action func(now clock.Instant)

// Timer is a single scheduled callback, one-shot or recurring.
//
// Fields are mutated only by the owning TimerList/Reactor except where
// noted; callers observe a Timer only through the Handle returned by
// the scheduling call.
type Timer struct {
	id          int64
	deadline    clock.Instant
	interval    clock.Duration // zero means one-shot
	catchup     bool
	action      Action
	canceled    bool
	firing      bool
	rescheduled bool // set by Reschedule while firing=true
	index       int  // heap index, -1 when not in a list
}

// Handle is the caller-visible reference to a scheduled Timer. It is
// safe to hold after the Timer fires or is canceled; further calls
// become no-ops.
type Handle struct {
	t *Timer
}

// Cancel marks the timer canceled. Canceling a timer during its own
// firing prevents recurrence. Safe to call more than once. The timer is
// not removed from its list at once: it still counts in
// TimerList.Len and can still be the deadline PeekEarliest reports,
// until FireDue reaches it and drops it without running its action.
func (h Handle) Cancel() {
	if h.t == nil {
		return
	}
	h.t.canceled = true
}

// Reschedule sets a new absolute deadline, effective immediately if the
// timer is idle, or in place of the computed recurrence if called from
// within the timer's own action. Calling Reschedule marks the timer so
// TimerList.FireDue skips its normal recurrence computation.
func (h Handle) Reschedule(deadline clock.Instant) {
	if h.t == nil {
		return
	}
	h.t.deadline = deadline
	h.t.rescheduled = true
}

// SetInterval updates the recurrence interval. While firing=true this
// takes effect for the next computed deadline, per spec: modifications
// during firing are deferred in semantics.
func (h Handle) SetInterval(interval clock.Duration) {
	if h.t == nil {
		return
	}
	if interval > 0 && interval < MinInterval {
		interval = MinInterval
	}
	h.t.interval = interval
}

// Canceled reports whether the timer has been canceled.
func (h Handle) Canceled() bool {
	return h.t == nil || h.t.canceled
}

func clampInterval(interval clock.Duration) clock.Duration {
	if interval <= 0 {
		return 0
	}
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}

package timer

import (
	"container/heap"

	"github.com/solstice-io/reactorws/clock"
)

// TimerList is an ordered collection of Timers keyed by
// (deadline, insertion id), so timers with an equal deadline fire in
// the order they were added. It is backed by container/heap for O(log N)
// insert and removal of the earliest timer.
type TimerList struct {
	h       timerHeap
	nextID  int64
	byTimer map[*Timer]struct{}
}

// NewTimerList returns an empty TimerList.
func NewTimerList() *TimerList {
	return &TimerList{byTimer: make(map[*Timer]struct{})}
}

// Add schedules action to fire at deadline, recurring every interval
// (zero for one-shot), with the given catch-up policy. Returns a Handle
// for cancellation/rescheduling.
func (l *TimerList) Add(deadline clock.Instant, interval clock.Duration, catchup bool, action Action) Handle {
	l.nextID++
	t := &Timer{
		id:       l.nextID,
		deadline: deadline,
		interval: clampInterval(interval),
		catchup:  catchup,
		action:   action,
		index:    -1,
	}
	heap.Push(&l.h, t)
	l.byTimer[t] = struct{}{}
	return Handle{t: t}
}

// Remove drops t from the list by identity, if still present. No-op if
// t is not in this list (already fired-and-not-recurred, canceled and
// already reached by FireDue, or never added here).
func (l *TimerList) Remove(t *Timer) {
	if t == nil || t.index < 0 {
		return
	}
	if _, ok := l.byTimer[t]; !ok {
		return
	}
	heap.Remove(&l.h, t.index)
	delete(l.byTimer, t)
}

// Len returns the number of timers currently scheduled.
func (l *TimerList) Len() int {
	return l.h.Len()
}

// PeekEarliest returns the deadline of the earliest scheduled timer and
// true, or the zero Instant and false if the list is empty.
func (l *TimerList) PeekEarliest() (clock.Instant, bool) {
	if l.h.Len() == 0 {
		return 0, false
	}
	return l.h[0].deadline, true
}

// FireDue pops and fires every timer whose deadline is <= now, in
// (deadline, insertion id) order, re-inserting recurring timers per
// their catch-up policy. A timer created or rescheduled by an action
// during this call may or may not be fired in the same pass, depending
// on whether its deadline is already <= now when reached. Recurring
// timers are re-inserted only after the pass ends, so each fires at
// most once per call even when its next deadline is still <= now.
func (l *TimerList) FireDue(now clock.Instant) {
	var recurring []*Timer
	for {
		if l.h.Len() == 0 {
			break
		}
		earliest := l.h[0]
		if earliest.deadline.After(now) {
			break
		}

		t := heap.Pop(&l.h).(*Timer)
		delete(l.byTimer, t)

		if t.canceled {
			continue
		}

		t.firing = true
		t.rescheduled = false
		if t.action != nil {
			t.action(now)
		}
		t.firing = false

		if t.canceled {
			continue
		}
		if t.rescheduled {
			// Action (or Handle.Reschedule) already set a new deadline;
			// honor it verbatim, skipping recurrence computation.
			t.rescheduled = false
			heap.Push(&l.h, t)
			l.byTimer[t] = struct{}{}
			continue
		}
		if t.interval <= 0 {
			continue // one-shot, done
		}

		if t.catchup && now.Sub(t.deadline.Add(t.interval)) > 0 {
			// now > deadline + interval: realign so the next fire is in
			// the future and phase-aligned to the original deadline.
			behind := now.Sub(t.deadline)
			periods := int64(behind) / int64(t.interval)
			if int64(behind)%int64(t.interval) != 0 {
				periods++
			}
			t.deadline = t.deadline.Add(clock.Duration(periods) * t.interval)
		} else {
			t.deadline = t.deadline.Add(t.interval)
		}
		recurring = append(recurring, t)
	}
	for _, t := range recurring {
		heap.Push(&l.h, t)
		l.byTimer[t] = struct{}{}
	}
}

// timerHeap implements container/heap.Interface, ordering by
// (deadline, insertion id).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].id < h[j].id
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

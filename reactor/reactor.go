// reactor.go holds the Reactor type: registration, timer scheduling,
// deferred tasks, and the run loop. Package doc lives in poller.go.
//
// Grounded on the teacher's reactor/reactor_linux.go (NewReactor /
// Register / Wait / Close shape) and examples/reactor_echo/main.go
// (the run-loop wiring a real server uses), generalized to the full
// cycle algorithm of spec.md §4.1: cache-now, compute-sleep,
// multiplex, dispatch, drain-deferred, fire-timers, on-every-cycle,
// check-stop.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/solstice-io/reactorws/clock"
	"github.com/solstice-io/reactorws/internal/goroutineid"
	"github.com/solstice-io/reactorws/internal/logx"
	"github.com/solstice-io/reactorws/timer"
)

var (
	// ErrAlreadyRunning is returned by Run when the reactor is already
	// executing its loop on another goroutine.
	ErrAlreadyRunning = errors.New("reactor: already running")
)

// registration is the Reactor's own bookkeeping of fd interest, kept
// alongside the poller's internal state so a fatal multiplex failure
// can notify every registrant before the Reactor tears down (spec.md
// §4.1 step 3: "other errors terminate the cycle after delivering a
// fatal-error event").
type registration struct {
	conditions Condition
	action     Action
}

// Reactor is a single-threaded event loop multiplexing descriptor
// readiness, a timer wheel, and a FIFO of deferred tasks. Methods that
// touch reactor-owned state must be called from the reactor's own
// goroutine, except where documented otherwise: Stop and DoLater are
// safe from any goroutine, and Performer (built on top) is the
// intended cross-thread submission path.
type Reactor struct {
	p      poller
	timers *timer.TimerList
	clk    *clock.Source
	opts   Options

	regMu sync.Mutex // guards regs; only touched during register/unregister/fatal-close
	regs  map[int]*registration

	deferredMu sync.Mutex
	deferred   *queue.Queue

	runnerID atomic.Uint64 // goroutine id currently in Run, 0 if idle
	stop     atomic.Bool

	onEveryCycle atomic.Pointer[func()]
}

// New constructs a Reactor using the host's native poller (epoll on
// Linux, select elsewhere).
func New(opts ...Option) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		p:        p,
		timers:   timer.NewTimerList(),
		clk:      clock.NewSource(),
		opts:     buildOptions(opts...),
		regs:     make(map[int]*registration),
		deferred: queue.New(),
	}, nil
}

// Now returns this cycle's cached clock reading. Stable across an
// entire cycle's dispatch, deferred-drain, and timer-fire steps.
func (r *Reactor) Now() clock.Instant { return r.clk.Cached() }

// NowUncached samples the OS clock directly, bypassing the per-cycle
// cache.
func (r *Reactor) NowUncached() clock.Instant { return clock.Now() }

// IsRunningOnThisThread reports whether the calling goroutine is the
// one currently executing Run.
func (r *Reactor) IsRunningOnThisThread() bool {
	id := r.runnerID.Load()
	return id != 0 && id == goroutineid.Current()
}

// OnEveryCycle installs a hook invoked once per cycle, after deferred
// tasks and due timers have run. Pass nil to remove it. Must be called
// from the reactor's own goroutine.
func (r *Reactor) OnEveryCycle(fn func()) {
	if fn == nil {
		r.onEveryCycle.Store(nil)
		return
	}
	r.onEveryCycle.Store(&fn)
}

// RegisterDescriptor registers fd for the given readiness conditions,
// merging with any existing registration. action is invoked with the
// specific condition that became ready; a descriptor registered for
// multiple conditions may see action called more than once per cycle.
func (r *Reactor) RegisterDescriptor(fd int, conditions Condition, action Action) error {
	r.regMu.Lock()
	reg, ok := r.regs[fd]
	if !ok {
		reg = &registration{}
		r.regs[fd] = reg
	}
	reg.conditions |= conditions
	reg.action = action
	r.regMu.Unlock()

	return r.p.register(fd, conditions, action)
}

// UnregisterDescriptor removes some or all condition registrations for
// fd. If conditions is 0, every condition is removed.
func (r *Reactor) UnregisterDescriptor(fd int, conditions Condition) error {
	r.regMu.Lock()
	reg, ok := r.regs[fd]
	if ok {
		if conditions == 0 {
			delete(r.regs, fd)
		} else {
			reg.conditions &^= conditions
			if reg.conditions == 0 {
				delete(r.regs, fd)
			}
		}
	}
	r.regMu.Unlock()

	return r.p.unregister(fd, conditions)
}

// ScheduleAbsolute arranges for action to run at deadline (cache-now
// semantics: fired once the cycle's cached now reaches deadline). If
// interval is non-zero the timer recurs; catchup selects phase-aligned
// catch-up (true) vs fixed-interval pacing from the previous deadline
// (false).
// See package timer for the full recurrence semantics.
func (r *Reactor) ScheduleAbsolute(deadline clock.Instant, interval clock.Duration, catchup bool, action timer.Action) timer.Handle {
	return r.timers.Add(deadline, interval, catchup, action)
}

// ScheduleRelative is ScheduleAbsolute with a deadline expressed
// relative to this cycle's cached now.
func (r *Reactor) ScheduleRelative(delta clock.Duration, interval clock.Duration, catchup bool, action timer.Action) timer.Handle {
	return r.ScheduleAbsolute(r.Now().Add(delta), interval, catchup, action)
}

// DoLater enqueues task to run on the reactor's own goroutine during
// the next cycle's deferred-drain step. Safe to call from any
// goroutine, though Performer should be preferred for cross-thread
// submission since it also wakes a sleeping reactor.
func (r *Reactor) DoLater(task func()) {
	r.deferredMu.Lock()
	r.deferred.Add(task)
	r.deferredMu.Unlock()
}

func (r *Reactor) deferredLen() int {
	r.deferredMu.Lock()
	n := r.deferred.Length()
	r.deferredMu.Unlock()
	return n
}

// drainDeferred runs every task queued as of this call. Tasks enqueued
// by a running task are left for the next cycle, bounding each cycle's
// deferred work to a finite snapshot.
func (r *Reactor) drainDeferred() {
	r.deferredMu.Lock()
	n := r.deferred.Length()
	tasks := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, r.deferred.Remove().(func()))
	}
	r.deferredMu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// Stop requests the run loop to exit after completing its current
// cycle. Safe to call from any goroutine, including from within a
// reactor-dispatched action.
func (r *Reactor) Stop() {
	r.stop.Store(true)
}

// Run executes the event loop until Stop is called, maxDuration
// elapses (0 means unbounded), or the poller reports a fatal error.
// minSleep clamps the per-cycle sleep computation from below (0 means
// no clamp); it exists so a caller can trade a little latency for
// fewer wake-ups under light load. Only one goroutine may be inside
// Run at a time.
func (r *Reactor) Run(maxDuration, minSleep clock.Duration) error {
	id := goroutineid.Current()
	if !r.runnerID.CompareAndSwap(0, id) {
		return ErrAlreadyRunning
	}
	defer r.runnerID.Store(0)
	defer r.stop.Store(false)

	var deadline clock.Instant
	bounded := maxDuration > 0
	if bounded {
		deadline = clock.Now().Add(maxDuration)
	}

	for {
		// Step 1: cache now for the whole cycle.
		now := r.clk.Refresh()

		// Step 2: compute sleep = min(MAX_SLEEP, next-timer-deadline-delta),
		// forced to zero if deferred tasks are already pending, then
		// clamped below at minSleep.
		sleep := r.opts.MaxSleep
		if d, ok := r.timers.PeekEarliest(); ok {
			if remain := d.Sub(now); remain < sleep {
				sleep = remain
			}
		}
		if r.deferredLen() > 0 {
			sleep = 0
		}
		if sleep < minSleep {
			sleep = minSleep
		}
		if sleep < 0 {
			sleep = 0
		}

		// Step 3: multiplex call.
		if err := r.p.wait(int64(sleep)); err != nil {
			r.notifyFatal(err)
			return err
		}
		// Step 4 (fd-ready dispatch) happens inside p.wait itself.

		// Step 5: drain deferred tasks queued as of now.
		r.drainDeferred()

		// Step 6: fire timers due as of this cycle's cached now.
		r.timers.FireDue(now)

		// Step 7: on-every-cycle hook.
		if hook := r.onEveryCycle.Load(); hook != nil {
			(*hook)()
		}

		// Step 8: check stop / max_duration, otherwise loop.
		if r.stop.Load() {
			return nil
		}
		if bounded && r.clk.Refresh().After(deadline) {
			return nil
		}
	}
}

// notifyFatal delivers a synthetic Exception event to every descriptor
// that registered interest in it, so owners (typically SocketAdapter)
// can tear themselves down before Run returns the fatal error.
func (r *Reactor) notifyFatal(cause error) {
	r.regMu.Lock()
	victims := make([]*registration, 0, len(r.regs))
	for _, reg := range r.regs {
		victims = append(victims, reg)
	}
	r.regMu.Unlock()

	for _, reg := range victims {
		if reg.conditions&Exception != 0 && reg.action != nil {
			func() {
				defer func() { recover() }()
				reg.action(-1, Exception)
			}()
		}
	}
	if r.opts.Logger != nil && r.opts.Logger.Enabled(logx.Error) {
		r.opts.Logger.Log(logx.Entry{
			Level:     logx.Error,
			Component: "reactor",
			Message:   fmt.Sprintf("fatal multiplex failure: %v", cause),
			Err:       cause,
		})
	}
}

// Close releases the poller's OS resources. Call after Run has
// returned; it does not close registered fds, those are owned by
// their registrants.
func (r *Reactor) Close() error {
	return r.p.close()
}

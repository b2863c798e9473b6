//go:build !linux && !windows

// select(2)-based poller for non-Linux Unix platforms, per spec.md
// §4.1 "Select flavor": fd_sets built from a sorted map each cycle;
// max_fd is the map's largest key.

package reactor

import (
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

type selectFdState struct {
	conditions   Condition
	readAction   Action
	writeAction  Action
	exceptAction Action
}

type selectPoller struct {
	fds map[int]*selectFdState
}

func newPoller() (poller, error) {
	return &selectPoller{fds: make(map[int]*selectFdState)}, nil
}

func (p *selectPoller) register(fd int, conditions Condition, action Action) error {
	st, ok := p.fds[fd]
	if !ok {
		st = &selectFdState{}
		p.fds[fd] = st
	}
	if conditions&Readable != 0 {
		st.readAction = action
	}
	if conditions&Writable != 0 {
		st.writeAction = action
	}
	if conditions&Exception != 0 {
		st.exceptAction = action
	}
	st.conditions |= conditions
	return nil
}

func (p *selectPoller) unregister(fd int, conditions Condition) error {
	st, ok := p.fds[fd]
	if !ok {
		return nil
	}
	if conditions == 0 {
		conditions = st.conditions
	}
	if conditions&Readable != 0 {
		st.readAction = nil
	}
	if conditions&Writable != 0 {
		st.writeAction = nil
	}
	if conditions&Exception != 0 {
		st.exceptAction = nil
	}
	st.conditions &^= conditions
	if st.conditions == 0 {
		delete(p.fds, fd)
	}
	return nil
}

func (p *selectPoller) wait(timeoutUs int64) error {
	if len(p.fds) == 0 {
		if timeoutUs != 0 {
			// Nothing registered; approximate a sleep via a zero-fd select
			// with a timeout (none for a negative timeout), matching
			// select(2) semantics.
			var tvp *unix.Timeval
			if timeoutUs > 0 {
				tv := unix.NsecToTimeval(timeoutUs * 1000)
				tvp = &tv
			}
			_, err := unix.Select(0, nil, nil, nil, tvp)
			if err != nil && err != unix.EINTR {
				return fmt.Errorf("reactor: select: %w", err)
			}
		}
		return nil
	}

	var rset, wset, eset unix.FdSet
	maxFd := 0

	fds := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	for _, fd := range fds {
		st := p.fds[fd]
		if st.conditions&Readable != 0 {
			fdSetAdd(&rset, fd)
		}
		if st.conditions&Writable != 0 {
			fdSetAdd(&wset, fd)
		}
		if st.conditions&Exception != 0 {
			fdSetAdd(&eset, fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}

	var tv unix.Timeval
	var tvp *unix.Timeval
	if timeoutUs >= 0 {
		tv = unix.NsecToTimeval(timeoutUs * 1000)
		tvp = &tv
	}

	_, err := unix.Select(maxFd+1, &rset, &wset, &eset, tvp)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: select: %w", err)
	}

	for _, fd := range fds {
		st, ok := p.fds[fd]
		if !ok {
			continue // unregistered by an earlier action this cycle
		}
		if fdSetIsSet(&rset, fd) && st.readAction != nil {
			st.readAction(fd, Readable)
		}
		if st, ok = p.fds[fd]; !ok {
			continue
		}
		if fdSetIsSet(&wset, fd) && st.writeAction != nil {
			st.writeAction(fd, Writable)
		}
		if st, ok = p.fds[fd]; !ok {
			continue
		}
		if fdSetIsSet(&eset, fd) && st.exceptAction != nil {
			st.exceptAction(fd, Exception)
		}
	}
	return nil
}

func (p *selectPoller) close() error {
	p.fds = nil
	return nil
}

// fdBits is the bit width of one unix.FdSet.Bits element, which varies
// by platform (e.g. int64 on some BSDs, int32 on others).
const fdBits = int(unsafe.Sizeof(unix.FdSet{}.Bits[0]) * 8)

func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/fdBits] |= 1 << (uint(fd) % uint(fdBits))
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdBits]&(1<<(uint(fd)%uint(fdBits))) != 0
}

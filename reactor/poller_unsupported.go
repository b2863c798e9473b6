//go:build windows

// Stub poller for platforms without a maintained epoll/select backend.
// Mirrors the teacher's reactor/reactor_stub.go convention.

package reactor

import "errors"

type unsupportedPoller struct{}

func newPoller() (poller, error) {
	return nil, errors.New("reactor: this platform is not supported")
}

func (unsupportedPoller) register(int, Condition, Action) error   { return errUnsupported }
func (unsupportedPoller) unregister(int, Condition) error         { return errUnsupported }
func (unsupportedPoller) wait(int64) error                        { return errUnsupported }
func (unsupportedPoller) close() error                            { return nil }

var errUnsupported = errors.New("reactor: this platform is not supported")

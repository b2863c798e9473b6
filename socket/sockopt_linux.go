//go:build linux

package socket

import "golang.org/x/sys/unix"

// setNotSentLowAt sets TCP_NOTSENT_LOWAT, a Linux-only sockopt that
// makes the fd report writable only once the kernel's unsent-byte
// count drops below n, cutting down on spurious writable wake-ups
// under sustained backpressure (spec.md §4.4).
func setNotSentLowAt(fd, n int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NOTSENT_LOWAT, n)
}

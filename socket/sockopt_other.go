//go:build !linux

package socket

// setNotSentLowAt is a no-op outside Linux; TCP_NOTSENT_LOWAT has no
// portable equivalent.
func setNotSentLowAt(fd, n int) error {
	return nil
}

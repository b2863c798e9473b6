// Package goroutineid gives the Reactor a way to answer
// "am I running on the goroutine that owns this reactor?" (spec.md
// §4.1 IsRunningOnThisThread, §4.3 Performer's PerformSync fast path).
//
// Go has no public goroutine-local storage, so this uses the standard
// trick of parsing the numeric id out of the current goroutine's
// runtime.Stack header line ("goroutine 123 [running]: ..."). It is a
// well-worn idiom (see e.g. petermattis/goid), implemented here with
// the standard library only.
package goroutineid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's runtime id. It is relatively
// expensive (a stack capture per call) and is only meant to be used at
// ownership-check boundaries, never in a hot loop.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	if sp := bytes.IndexByte(b, ' '); sp >= 0 {
		b = b[:sp]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

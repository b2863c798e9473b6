package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/solstice-io/reactorws/clock"
)

func TestDurationConversion(t *testing.T) {
	d := clock.FromStdDuration(150 * time.Millisecond)
	assert.Equal(t, 150*clock.Millisecond, d)
	assert.Equal(t, 150*time.Millisecond, d.Std())
}

func TestInstantArithmetic(t *testing.T) {
	base := clock.Instant(1_000_000)
	later := base.Add(500 * clock.Millisecond)
	assert.True(t, later.After(base))
	assert.True(t, base.Before(later))
	assert.Equal(t, 500*clock.Millisecond, later.Sub(base))
}

func TestSourceCachedVsRefresh(t *testing.T) {
	s := clock.NewSource()
	first := s.Cached()
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, first, s.Cached(), "Cached must not advance without Refresh")
	second := s.Refresh()
	assert.True(t, second.After(first) || second == first)
}

func TestNowMonotonic(t *testing.T) {
	a := clock.Now()
	time.Sleep(time.Millisecond)
	b := clock.Now()
	assert.True(t, b.After(a) || b == a)
}

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestSystemNanoClockIsMonotonic verifies the nano clock never regresses
func TestSystemNanoClockIsMonotonic(t *testing.T) {
	c := NewSystemNanoClock()

	prev := c.NanoTime()
	for i := 0; i < 100; i++ {
		now := c.NanoTime()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

// TestCachedClocksHoldUntilUpdated verifies cached clocks only move when
// their owner publishes an observation
func TestCachedClocksHoldUntilUpdated(t *testing.T) {
	nano := &CachedNanoClock{}
	epoch := &CachedEpochClock{}

	assert.Equal(t, int64(0), nano.NanoTime())
	assert.Equal(t, int64(0), epoch.Time())

	nano.Update(7_000_000)
	epoch.Update(1234)

	// Real time passing does not move a cached clock
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, int64(7_000_000), nano.NanoTime())
	assert.Equal(t, int64(1234), epoch.Time())

	nano.Update(8_000_000)
	assert.Equal(t, int64(8_000_000), nano.NanoTime())
}

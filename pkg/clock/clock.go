package clock

import (
	"sync/atomic"
	"time"
)

// NanoClock supplies monotonic nanosecond time
type NanoClock interface {
	NanoTime() int64
}

// EpochClock supplies wall-clock time as milliseconds since the Unix epoch
type EpochClock interface {
	Time() int64
}

// SystemNanoClock reads the runtime monotonic clock
type SystemNanoClock struct {
	base time.Time
}

// NewSystemNanoClock creates a monotonic nanosecond clock
func NewSystemNanoClock() *SystemNanoClock {
	return &SystemNanoClock{base: time.Now()}
}

func (c *SystemNanoClock) NanoTime() int64 {
	return time.Since(c.base).Nanoseconds()
}

// SystemEpochClock reads the wall clock
type SystemEpochClock struct{}

func (SystemEpochClock) Time() int64 {
	return time.Now().UnixMilli()
}

// CachedNanoClock is a NanoClock updated by its owner at a bounded cadence
// so hot-path readers avoid a syscall. Update is single-writer; reads are
// safe from any goroutine.
type CachedNanoClock struct {
	value atomic.Int64
}

func (c *CachedNanoClock) NanoTime() int64 {
	return c.value.Load()
}

// Update publishes a new time observation
func (c *CachedNanoClock) Update(nowNs int64) {
	c.value.Store(nowNs)
}

// CachedEpochClock is an EpochClock updated by its owner at a bounded cadence
type CachedEpochClock struct {
	value atomic.Int64
}

func (c *CachedEpochClock) Time() int64 {
	return c.value.Load()
}

// Update publishes a new time observation
func (c *CachedEpochClock) Update(nowMs int64) {
	c.value.Store(nowMs)
}

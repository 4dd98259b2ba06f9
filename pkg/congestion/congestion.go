package congestion

import (
	"math/rand"
	"time"

	"github.com/cuemby/strand/pkg/channel"
)

// CongestionControl shapes the receiver window of a publication image. The
// receiver thread drives it after creation; the conductor selects,
// constructs, and closes it.
type CongestionControl interface {
	// ShouldMeasureRtt reports whether an RTT probe is due
	ShouldMeasureRtt(nowNs int64) bool

	// OnRttMeasurement folds in a completed RTT probe
	OnRttMeasurement(nowNs, rttNs int64)

	// OnTrackRebuild recomputes the window after the rebuild position moves.
	// Returns the new window length and whether a status message should be
	// forced out immediately.
	OnTrackRebuild(nowNs, newConsumptionPosition, lastSMPosition, hwmPosition int64, lossOccurred bool) (int32, bool)

	// InitialWindowLength is the window before any feedback
	InitialWindowLength() int32

	// MaxWindowLength bounds window growth
	MaxWindowLength() int32

	// Close releases strategy resources
	Close()
}

// StaticWindowCongestionControl holds the receiver window constant, the
// default strategy
type StaticWindowCongestionControl struct {
	windowLength int32
}

// NewStaticWindow creates a static window strategy clamped to half the
// term length
func NewStaticWindow(initialWindowLength, termLength int32) *StaticWindowCongestionControl {
	window := initialWindowLength
	if half := termLength / 2; window > half {
		window = half
	}
	return &StaticWindowCongestionControl{windowLength: window}
}

func (c *StaticWindowCongestionControl) ShouldMeasureRtt(nowNs int64) bool {
	return false
}

func (c *StaticWindowCongestionControl) OnRttMeasurement(nowNs, rttNs int64) {}

func (c *StaticWindowCongestionControl) OnTrackRebuild(nowNs, newConsumptionPosition, lastSMPosition, hwmPosition int64, lossOccurred bool) (int32, bool) {
	threshold := int64(c.windowLength / 4)
	forceStatusMessage := newConsumptionPosition > lastSMPosition+threshold
	return c.windowLength, forceStatusMessage
}

func (c *StaticWindowCongestionControl) InitialWindowLength() int32 {
	return c.windowLength
}

func (c *StaticWindowCongestionControl) MaxWindowLength() int32 {
	return c.windowLength
}

func (c *StaticWindowCongestionControl) Close() {}

// FeedbackDelayGenerator paces NAK and status feedback so receiver groups
// do not synchronize their responses
type FeedbackDelayGenerator interface {
	// Generate returns the next delay in nanoseconds
	Generate() int64
}

// StaticDelayGenerator returns a fixed delay, used for unicast where a
// single receiver cannot storm the sender
type StaticDelayGenerator struct {
	DelayNs int64
}

func (g StaticDelayGenerator) Generate() int64 {
	return g.DelayNs
}

// RandomizedDelayGenerator spreads feedback over a bounded random interval,
// used for multicast groups
type RandomizedDelayGenerator struct {
	MinDelayNs int64
	MaxDelayNs int64
	rng        *rand.Rand
}

// NewRandomizedDelayGenerator creates a multicast delay generator
func NewRandomizedDelayGenerator(minDelayNs, maxDelayNs int64) *RandomizedDelayGenerator {
	return &RandomizedDelayGenerator{
		MinDelayNs: minDelayNs,
		MaxDelayNs: maxDelayNs,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *RandomizedDelayGenerator) Generate() int64 {
	if g.MaxDelayNs <= g.MinDelayNs {
		return g.MinDelayNs
	}
	return g.MinDelayNs + g.rng.Int63n(g.MaxDelayNs-g.MinDelayNs)
}

// Default feedback delay bounds
const (
	UnicastDelayNs      = 60 * 1000
	MulticastMaxDelayNs = 10 * 1000 * 1000
)

// SelectDelayGenerator resolves the feedback delay generator from the
// group flag. Infer resolves from the first transport's multicast-ness;
// destinations added later to a multi-destination subscription do not
// re-select.
func SelectDelayGenerator(group channel.InferableBool, firstTransportIsMulticast bool) FeedbackDelayGenerator {
	multicast := firstTransportIsMulticast
	switch group {
	case channel.ForceTrue:
		multicast = true
	case channel.ForceFalse:
		multicast = false
	}
	if multicast {
		return NewRandomizedDelayGenerator(0, MulticastMaxDelayNs)
	}
	return StaticDelayGenerator{DelayNs: UnicastDelayNs}
}

package driver

import "github.com/cuemby/strand/pkg/counters"

// tetherState tracks an untethered subscriber's demotion cycle
type tetherState int32

const (
	tetherActive tetherState = iota
	tetherLinger
	tetherResting
)

// SubscriberPosition pairs one subscription with the position counter it
// consumes one stream source through. The conductor allocates the counter;
// the data plane and clients advance it. Either side of the pair dissolving
// closes the counter; Close is idempotent so the free happens exactly once.
type SubscriberPosition struct {
	link     *SubscriptionLink
	position *counters.Counter

	state              tetherState
	timeOfLastChangeNs int64
}

func newSubscriberPosition(link *SubscriptionLink, position *counters.Counter) *SubscriberPosition {
	return &SubscriberPosition{link: link, position: position}
}

// Link returns the owning subscription
func (sp *SubscriberPosition) Link() *SubscriptionLink {
	return sp.link
}

// CounterID returns the position counter id reported to the client
func (sp *SubscriberPosition) CounterID() int32 {
	return sp.position.ID()
}

// Get reads the subscriber's consumption position
func (sp *SubscriberPosition) Get() int64 {
	return sp.position.Get()
}

func (sp *SubscriberPosition) close() {
	sp.position.Close()
}

// isConsuming reports whether the position constrains the producer: a
// tethered subscriber always does, an untethered one only while active
func (sp *SubscriberPosition) isConsuming() bool {
	return sp.link.IsTether() || sp.state == tetherActive
}

// checkUntethered advances the demotion cycle of an untethered subscriber
// that has stalled outside the producer's window. Returns the transition
// taken this call, if any.
type tetherTransition int

const (
	tetherNone tetherTransition = iota
	tetherDemoted
	tetherRejoined
)

func (sp *SubscriberPosition) checkUntethered(nowNs, producerPosition int64, windowLength int32,
	windowLimitTimeoutNs, restingTimeoutNs int64, rejoinPosition int64) tetherTransition {

	if sp.link.IsTether() {
		return tetherNone
	}

	switch sp.state {
	case tetherActive:
		if producerPosition-sp.Get() <= int64(windowLength) {
			sp.timeOfLastChangeNs = nowNs
		} else if nowNs-sp.timeOfLastChangeNs > windowLimitTimeoutNs {
			sp.state = tetherLinger
			sp.timeOfLastChangeNs = nowNs
			return tetherDemoted
		}
	case tetherLinger:
		if nowNs-sp.timeOfLastChangeNs > windowLimitTimeoutNs {
			sp.state = tetherResting
			sp.timeOfLastChangeNs = nowNs
		}
	case tetherResting:
		if sp.link.IsRejoin() && nowNs-sp.timeOfLastChangeNs > restingTimeoutNs {
			sp.position.Set(rejoinPosition)
			sp.state = tetherActive
			sp.timeOfLastChangeNs = nowNs
			return tetherRejoined
		}
	}
	return tetherNone
}

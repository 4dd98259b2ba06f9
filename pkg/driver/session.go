package driver

import "math/rand"

// SessionKey is the uniqueness key of a live publication
type SessionKey struct {
	SessionID int32
	StreamID  int32
	Channel   string
}

// sessionIDAllocator hands out session ids from a monotonically advancing
// counter, skipping the configured reserved range and any id already live
// on the same (stream, channel).
type sessionIDAllocator struct {
	next         int32
	reservedLow  int32
	reservedHigh int32
}

func newSessionIDAllocator(reservedLow, reservedHigh int32) *sessionIDAllocator {
	return &sessionIDAllocator{
		next:         rand.Int31(),
		reservedLow:  reservedLow,
		reservedHigh: reservedHigh,
	}
}

// Allocate picks the next session id free on the given stream and channel.
// Rejection sampling terminates quickly: the reserved range is one jump and
// live sessions per stream are few against the 32-bit space.
func (a *sessionIDAllocator) Allocate(streamID int32, channel string, active map[SessionKey]struct{}) int32 {
	for {
		candidate := a.next
		a.next++

		if candidate >= a.reservedLow && candidate <= a.reservedHigh {
			a.next = a.reservedHigh + 1
			continue
		}

		key := SessionKey{SessionID: candidate, StreamID: streamID, Channel: channel}
		if _, clash := active[key]; clash {
			continue
		}
		return candidate
	}
}

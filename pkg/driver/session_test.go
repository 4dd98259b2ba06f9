package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSessionAllocatorSkipsReservedRange verifies the jump over the
// reserved range
func TestSessionAllocatorSkipsReservedRange(t *testing.T) {
	a := &sessionIDAllocator{next: 10, reservedLow: 5, reservedHigh: 100}

	id := a.Allocate(1, "udp|endpoint=x", map[SessionKey]struct{}{})
	assert.Equal(t, int32(101), id)
	assert.Equal(t, int32(102), a.next)
}

// TestSessionAllocatorSkipsActiveSessions verifies clash rejection
func TestSessionAllocatorSkipsActiveSessions(t *testing.T) {
	a := &sessionIDAllocator{next: 200, reservedLow: -1, reservedHigh: 0}
	active := map[SessionKey]struct{}{
		{SessionID: 200, StreamID: 1, Channel: "ch"}: {},
		{SessionID: 201, StreamID: 1, Channel: "ch"}: {},
	}

	id := a.Allocate(1, "ch", active)
	assert.Equal(t, int32(202), id)

	// A clash on a different stream does not block the id
	b := &sessionIDAllocator{next: 200, reservedLow: -1, reservedHigh: 0}
	id = b.Allocate(2, "ch", active)
	assert.Equal(t, int32(200), id)
}

// TestSessionAllocatorAdvances verifies ids advance monotonically between
// allocations
func TestSessionAllocatorAdvances(t *testing.T) {
	a := &sessionIDAllocator{next: 1000, reservedLow: -1, reservedHigh: 0}
	empty := map[SessionKey]struct{}{}

	first := a.Allocate(1, "ch", empty)
	second := a.Allocate(1, "ch", empty)
	assert.Equal(t, first+1, second)
}

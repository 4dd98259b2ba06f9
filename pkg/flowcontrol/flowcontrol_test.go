package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/logbuffer"
)

const testTermLength = int32(65536)

func sm(receiverID int64, termID, termOffset, window int32) *StatusMessage {
	return &StatusMessage{
		ReceiverID:            receiverID,
		ConsumptionTermID:     termID,
		ConsumptionTermOffset: termOffset,
		ReceiverWindowLength:  window,
	}
}

// TestUnicastFlowControl verifies the limit chases position plus window
func TestUnicastFlowControl(t *testing.T) {
	fc := NewUnicastFlowControl()
	fc.Initialize(0, testTermLength)
	bits := logbuffer.PositionBitsToShift(testTermLength)

	limit := fc.OnStatusMessage(sm(1, 0, 1024, 4096), 0, bits, 0, 100)
	assert.Equal(t, int64(1024+4096), limit)

	// A stale status message never moves the limit backwards
	limit = fc.OnStatusMessage(sm(1, 0, 512, 1024), limit, bits, 0, 200)
	assert.Equal(t, int64(1024+4096), limit)

	assert.True(t, fc.HasRequiredReceivers())
}

// TestMaxMulticastFlowControl verifies the fastest receiver paces the group
func TestMaxMulticastFlowControl(t *testing.T) {
	fc := NewMaxMulticastFlowControl(1000)
	bits := logbuffer.PositionBitsToShift(testTermLength)

	assert.False(t, fc.HasRequiredReceivers())

	limit := fc.OnStatusMessage(sm(1, 0, 1024, 4096), 0, bits, 0, 100)
	limit = fc.OnStatusMessage(sm(2, 0, 8192, 4096), limit, bits, 0, 100)
	assert.Equal(t, int64(8192+4096), limit)
	assert.True(t, fc.HasRequiredReceivers())

	// The slow receiver going quiet does not reduce the limit
	limit = fc.OnIdle(limit, 100+500)
	assert.Equal(t, int64(8192+4096), limit)

	// Both receivers time out; the limit holds so the sender is not
	// yanked backwards
	limit = fc.OnIdle(limit, 100+2000)
	assert.False(t, fc.HasRequiredReceivers())
	assert.Equal(t, int64(8192+4096), limit)
}

// TestSelect verifies strategy selection by channel
func TestSelect(t *testing.T) {
	multicast, err := channel.ParseURI("aeron:udp?endpoint=224.0.1.1:40456")
	require.NoError(t, err)
	_, ok := Select(multicast, 1000).(*MaxMulticastFlowControl)
	assert.True(t, ok)

	manual, err := channel.ParseURI("aeron:udp?control-mode=manual")
	require.NoError(t, err)
	_, ok = Select(manual, 1000).(*MaxMulticastFlowControl)
	assert.True(t, ok)

	unicast, err := channel.ParseURI("aeron:udp?endpoint=127.0.0.1:40456")
	require.NoError(t, err)
	_, ok = Select(unicast, 1000).(*UnicastFlowControl)
	assert.True(t, ok)
}

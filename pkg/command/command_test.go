package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublicationMessageRoundTrip verifies the frame codec on a
// representative command
func TestPublicationMessageRoundTrip(t *testing.T) {
	msg := &PublicationMessage{
		Correlated: Correlated{ClientID: 7, CorrelationID: 101},
		StreamID:   1001,
		Channel:    "aeron:udp?endpoint=localhost:40123",
	}

	decoded, err := UnmarshalPublicationMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

// TestErrorResponseRoundTrip verifies the taxonomy code survives the wire
func TestErrorResponseRoundTrip(t *testing.T) {
	msg := &ErrorResponse{
		OffendingCorrelationID: 55,
		Code:                   ErrInvalidChannel,
		Message:                "option conflict",
	}

	decoded, err := UnmarshalErrorResponse(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

// TestTruncatedFrame verifies decoding fails cleanly instead of panicking
func TestTruncatedFrame(t *testing.T) {
	msg := &SubscriptionMessage{
		Correlated: Correlated{ClientID: 1, CorrelationID: 2},
		StreamID:   3,
		Channel:    "aeron:ipc",
	}
	full := msg.Marshal()

	for _, cut := range []int{0, 4, 8, len(full) - 1} {
		_, err := UnmarshalSubscriptionMessage(full[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

// TestBadBlobLength verifies hostile length prefixes are rejected
func TestBadBlobLength(t *testing.T) {
	msg := &TerminateDriverMessage{
		Correlated: Correlated{ClientID: 1, CorrelationID: 2},
		Token:      []byte("secret"),
	}
	buf := msg.Marshal()
	// Corrupt the token length prefix to exceed the frame
	buf[16] = 0xFF
	buf[17] = 0xFF

	_, err := UnmarshalTerminateDriverMessage(buf)
	assert.Error(t, err)
}

// TestRingBufferOrderingAndLimit verifies claim order and bounded reads
func TestRingBufferOrderingAndLimit(t *testing.T) {
	rb := NewManyToOneRingBuffer(8)

	for i := int64(0); i < 5; i++ {
		msg := &CorrelatedMessage{Correlated: Correlated{ClientID: 1, CorrelationID: i}}
		require.True(t, rb.Write(TypeClientKeepalive, msg.Marshal()))
	}
	assert.Equal(t, int64(5), rb.ProducerPosition())

	var order []int64
	read := rb.Read(func(msgType Type, payload []byte) {
		decoded, err := UnmarshalCorrelatedMessage(payload)
		require.NoError(t, err)
		order = append(order, decoded.CorrelationID)
	}, 3)

	assert.Equal(t, 3, read)
	assert.Equal(t, []int64{0, 1, 2}, order)
	assert.Equal(t, int64(3), rb.ConsumerPosition())

	rb.Read(func(Type, []byte) {}, 10)
	assert.Equal(t, int64(5), rb.ConsumerPosition())
}

// TestRingBufferFull verifies writes fail once the capacity is reached
func TestRingBufferFull(t *testing.T) {
	rb := NewManyToOneRingBuffer(2)
	payload := (&CorrelatedMessage{}).Marshal()

	assert.True(t, rb.Write(TypeClientKeepalive, payload))
	assert.True(t, rb.Write(TypeClientKeepalive, payload))
	assert.False(t, rb.Write(TypeClientKeepalive, payload))
}

// TestBroadcasterPreservesOrder verifies fan-out delivery order
func TestBroadcasterPreservesOrder(t *testing.T) {
	b := NewBroadcaster()

	var first, second []Type
	b.AddListener(func(msgType Type, payload []byte) { first = append(first, msgType) })
	b.AddListener(func(msgType Type, payload []byte) { second = append(second, msgType) })

	b.Transmit(TypeOnSubscriptionReady, nil)
	b.Transmit(TypeOnAvailableImage, nil)
	b.Transmit(TypeOnUnavailableImage, nil)

	want := []Type{TypeOnSubscriptionReady, TypeOnAvailableImage, TypeOnUnavailableImage}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

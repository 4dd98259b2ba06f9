package logbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strand/pkg/buffer"
)

// TestCheckTermLength tests the term length bounds
func TestCheckTermLength(t *testing.T) {
	assert.NoError(t, CheckTermLength(TermMinLength))
	assert.NoError(t, CheckTermLength(1024*1024))
	assert.Error(t, CheckTermLength(TermMinLength-1))
	overLength := int32(TermMaxLength)
	overLength *= 2
	assert.Error(t, CheckTermLength(overLength))
	assert.Error(t, CheckTermLength(100000))
}

// TestComputePosition tests position math round trips
func TestComputePosition(t *testing.T) {
	termLength := int32(65536)
	bits := PositionBitsToShift(termLength)

	assert.Equal(t, int64(0), ComputePosition(100, 0, bits, 100))
	assert.Equal(t, int64(128), ComputePosition(100, 128, bits, 100))
	assert.Equal(t, int64(65536)+64, ComputePosition(101, 64, bits, 100))

	position := ComputePosition(105, 1024, bits, 100)
	assert.Equal(t, int32(105), ComputeTermIDFromPosition(position, bits, 100))
}

// TestIndexByTermCount tests round-robin partition selection
func TestIndexByTermCount(t *testing.T) {
	assert.Equal(t, int32(0), IndexByTermCount(0))
	assert.Equal(t, int32(1), IndexByTermCount(1))
	assert.Equal(t, int32(2), IndexByTermCount(2))
	assert.Equal(t, int32(0), IndexByTermCount(3))
	assert.Equal(t, int32(2), IndexByTermCount(-1))
}

// TestRawTailValue tests tail counter packing
func TestRawTailValue(t *testing.T) {
	raw := RawTailValue(42, 4096)
	assert.Equal(t, int32(42), TermID(raw))
	assert.Equal(t, int64(4096), raw&0xFFFFFFFF)
}

// TestComputeLogLength tests file sizing
func TestComputeLogLength(t *testing.T) {
	length := ComputeLogLength(65536, 4096)
	assert.Equal(t, int64(3*65536+LogMetaDataLength), length)
}

// TestInitialiseTailWithTermID tests tail seeding around the active partition
func TestInitialiseTailWithTermID(t *testing.T) {
	meta := buffer.NewAtomic(make([]byte, LogMetaDataLength))

	InitialiseTailWithTermID(meta, 1, 10, 256)

	assert.Equal(t, int32(9), TermID(meta.GetInt64(TermTailCountersOffset)))
	active := meta.GetInt64(TermTailCountersOffset + 8)
	assert.Equal(t, int32(10), TermID(active))
	assert.Equal(t, int64(256), active&0xFFFFFFFF)
	assert.Equal(t, int32(11), TermID(meta.GetInt64(TermTailCountersOffset+16)))
}

// TestFileFactory exercises log creation, mapping, and deletion
func TestFileFactory(t *testing.T) {
	factory, err := NewFileFactory(t.TempDir(), 4096)
	require.NoError(t, err)

	log, err := factory.NewPublicationLog(77, TermMinLength, true)
	require.NoError(t, err)

	InitMetaData(log.Meta(), 77, 5, 1408, TermMinLength, 4096)
	assert.Equal(t, int64(77), log.Meta().GetInt64(CorrelationIDOffset))
	assert.Equal(t, int32(5), log.Meta().GetInt32(InitialTermIDOffset))

	// EOS starts at max so subscribers never see a premature end
	assert.Greater(t, EndOfStreamPosition(log.Meta()), int64(1)<<62)

	// Duplicate correlation id is refused
	_, err = factory.NewPublicationLog(77, TermMinLength, true)
	assert.Error(t, err)

	require.NoError(t, log.Delete())
	// A deleted log's name can be reused
	relog, err := factory.NewPublicationLog(77, TermMinLength, true)
	require.NoError(t, err)
	require.NoError(t, relog.Delete())
}

package logbuffer

import (
	"fmt"
	"math"

	"github.com/cuemby/strand/pkg/buffer"
)

// Term buffer layout constants
const (
	// PartitionCount is the number of term buffers rotated round-robin
	PartitionCount = 3

	// TermMinLength is the smallest legal term buffer length
	TermMinLength = 64 * 1024

	// TermMaxLength is the largest legal term buffer length
	TermMaxLength = 1024 * 1024 * 1024

	// FrameAlignment is the byte alignment of every frame in a term
	FrameAlignment = 32

	// MaxUDPPayloadLength bounds the MTU an endpoint may carry
	MaxUDPPayloadLength = 65504

	// DataFrameHeaderLength is the length of the default data header stored
	// in the log metadata
	DataFrameHeaderLength = 32

	// LogMetaDataLength is the metadata trailer length, one minimum page
	LogMetaDataLength = 4096
)

// Log metadata trailer field offsets. Tail counters lead so the data plane
// touches a single cache line when rotating terms.
const (
	TermTailCountersOffset = 0
	ActiveTermCountOffset  = PartitionCount * 8
	EndOfStreamOffset      = 32
	IsConnectedOffset      = 40
	CorrelationIDOffset    = 48
	InitialTermIDOffset    = 56
	MTULengthOffset        = 60
	TermLengthOffset       = 64
	PageSizeOffset         = 68
	DefaultFrameHeaderOffset = 128
)

// CheckTermLength validates a term buffer length
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength {
		return fmt.Errorf("term length %d outside [%d, %d]", termLength, TermMinLength, TermMaxLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("term length %d not a power of two", termLength)
	}
	return nil
}

// PositionBitsToShift returns the shift that converts term counts to stream
// positions for the given term length
func PositionBitsToShift(termLength int32) uint8 {
	return uint8(numberOfTrailingZeros(termLength))
}

// ComputePosition returns the absolute stream position for a term id and
// offset within it
func ComputePosition(activeTermID, termOffset int32, positionBitsToShift uint8, initialTermID int32) int64 {
	termCount := int64(activeTermID) - int64(initialTermID)
	return (termCount << positionBitsToShift) + int64(termOffset)
}

// ComputeTermIDFromPosition returns the term id containing the position
func ComputeTermIDFromPosition(position int64, positionBitsToShift uint8, initialTermID int32) int32 {
	return int32(position>>positionBitsToShift) + initialTermID
}

// IndexByTermCount returns the partition index for a term count
func IndexByTermCount(termCount int32) int32 {
	return ((termCount % PartitionCount) + PartitionCount) % PartitionCount
}

// ComputeMaxMessageLength is the largest message a term of the given length
// can carry
func ComputeMaxMessageLength(termLength int32) int32 {
	max := termLength / 8
	if max > 16*1024*1024 {
		max = 16 * 1024 * 1024
	}
	return max
}

// RawTailValue packs a term id and tail offset into one tail counter value
func RawTailValue(termID, offset int32) int64 {
	return int64(termID)<<32 | int64(offset)
}

// TermID extracts the term id from a raw tail value
func TermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// ComputeLogLength returns the total file length for the given term length,
// aligned to the file page size
func ComputeLogLength(termLength, filePageSize int32) int64 {
	accumulated := int64(termLength) * PartitionCount
	return align64(accumulated, int64(filePageSize)) + LogMetaDataLength
}

// InitMetaData writes the immutable metadata fields of a fresh log
func InitMetaData(meta *buffer.Atomic, correlationID int64, initialTermID, mtu, termLength, pageSize int32) {
	meta.PutInt64(CorrelationIDOffset, correlationID)
	meta.PutInt32(InitialTermIDOffset, initialTermID)
	meta.PutInt32(MTULengthOffset, mtu)
	meta.PutInt32(TermLengthOffset, termLength)
	meta.PutInt32(PageSizeOffset, pageSize)
	meta.PutInt64(EndOfStreamOffset, math.MaxInt64)
}

// InitialiseTailWithTermID seeds every partition tail for a log starting at
// initialTermID, with the active partition carrying the given term offset
func InitialiseTailWithTermID(meta *buffer.Atomic, activeIndex int, termID, termOffset int32) {
	for i := 0; i < PartitionCount; i++ {
		expected := termID + int32(i-activeIndex)
		offset := int32(0)
		if i == activeIndex {
			offset = termOffset
		}
		meta.PutInt64(TermTailCountersOffset+i*8, RawTailValue(expected, offset))
	}
}

// ActiveTermCount reads the active term count
func ActiveTermCount(meta *buffer.Atomic) int32 {
	return meta.GetInt32Volatile(ActiveTermCountOffset)
}

// SetActiveTermCount publishes the active term count
func SetActiveTermCount(meta *buffer.Atomic, count int32) {
	meta.PutInt32Ordered(ActiveTermCountOffset, count)
}

// EndOfStreamPosition reads the end-of-stream position
func EndOfStreamPosition(meta *buffer.Atomic) int64 {
	return meta.GetInt64Volatile(EndOfStreamOffset)
}

// SetEndOfStreamPosition publishes the end-of-stream position
func SetEndOfStreamPosition(meta *buffer.Atomic, position int64) {
	meta.PutInt64Ordered(EndOfStreamOffset, position)
}

// SetIsConnected publishes the connected flag read by publishers
func SetIsConnected(meta *buffer.Atomic, connected bool) {
	v := int32(0)
	if connected {
		v = 1
	}
	meta.PutInt32Ordered(IsConnectedOffset, v)
}

// IsConnected reads the connected flag
func IsConnected(meta *buffer.Atomic) bool {
	return meta.GetInt32Volatile(IsConnectedOffset) == 1
}

func numberOfTrailingZeros(v int32) int {
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

func align64(value, alignment int64) int64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

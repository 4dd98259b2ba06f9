package counters

import (
	"fmt"

	"github.com/cuemby/strand/pkg/buffer"
	"github.com/cuemby/strand/pkg/clock"
)

// Counters file layout constants. Each counter owns one value slot in the
// values region and one metadata record in the metadata region; readers in
// other processes index both regions by counter id.
const (
	// ValueLength is the stride of one value slot, two cache lines to keep
	// hot counters from false sharing
	ValueLength = 128

	// MetadataLength is the stride of one metadata record
	MetadataLength = 512

	// Metadata record field offsets
	stateOffset            = 0
	typeIDOffset           = 4
	freeForReuseOffset     = 8
	ownerIDOffset          = 16
	registrationIDOffset   = 24
	keyOffset              = 48
	labelLengthOffset      = keyOffset + MaxKeyLength
	labelOffset            = labelLengthOffset + 4

	// MaxKeyLength bounds the opaque key bytes stored per counter
	MaxKeyLength = 112

	// MaxLabelLength bounds the label stored per counter
	MaxLabelLength = MetadataLength - labelOffset

	// Record states
	recordUnused     int32 = 0
	recordAllocated  int32 = 1
	recordReclaiming int32 = -1
)

// DefaultRegistrationID marks counters not owned by a client registration
const DefaultRegistrationID int64 = 0

// DefaultOwnerID marks counters owned by the driver itself
const DefaultOwnerID int64 = 0

// Manager allocates and frees counter slots over the shared values and
// metadata regions. Allocation is conductor-thread only; value access by
// other threads and processes goes through Counter and Position handles.
type Manager struct {
	values        *buffer.Atomic
	metadata      *buffer.Atomic
	maxCounterID  int32
	idHighWater   int32
	freeList      []int32
	epochClock    clock.EpochClock
	freeToReuseMs int64
}

// NewManager creates a Manager over the given regions. freeToReuseMs delays
// recycling of freed slots so external readers never see a slot change
// identity mid-read.
func NewManager(values, metadata *buffer.Atomic, epochClock clock.EpochClock, freeToReuseMs int64) (*Manager, error) {
	maxByValues := int32(values.Capacity() / ValueLength)
	maxByMetadata := int32(metadata.Capacity() / MetadataLength)
	if maxByValues == 0 || maxByMetadata == 0 {
		return nil, fmt.Errorf("counter regions too small: values=%d metadata=%d",
			values.Capacity(), metadata.Capacity())
	}

	max := maxByValues
	if maxByMetadata < max {
		max = maxByMetadata
	}

	return &Manager{
		values:        values,
		metadata:      metadata,
		maxCounterID:  max,
		epochClock:    epochClock,
		freeToReuseMs: freeToReuseMs,
	}, nil
}

// Allocate claims a counter slot and publishes its metadata record. Returns
// the counter id or an error when the table is exhausted.
func (m *Manager) Allocate(typeID int32, label string, key []byte, ownerID, registrationID int64) (int32, error) {
	if len(key) > MaxKeyLength {
		return -1, fmt.Errorf("counter key too long: %d > %d", len(key), MaxKeyLength)
	}

	id, err := m.nextCounterID()
	if err != nil {
		return -1, err
	}

	record := id * MetadataLength
	m.metadata.SetMemory(int(record)+typeIDOffset, MetadataLength-typeIDOffset, 0)
	m.metadata.PutInt32(int(record)+typeIDOffset, typeID)
	m.metadata.PutInt64(int(record)+ownerIDOffset, ownerID)
	m.metadata.PutInt64(int(record)+registrationIDOffset, registrationID)
	m.metadata.PutBytes(int(record)+keyOffset, key)
	m.putLabel(int(record), label)

	// Zero the value before the record becomes visible
	m.values.PutInt64Ordered(int(id)*ValueLength, 0)
	m.metadata.PutInt32Ordered(int(record)+stateOffset, recordAllocated)

	return id, nil
}

// Free reclaims a counter slot. The slot is withheld from reuse until the
// free-to-reuse deadline passes.
func (m *Manager) Free(id int32) {
	record := int(id) * MetadataLength
	m.metadata.PutInt64(record+freeForReuseOffset, m.epochClock.Time()+m.freeToReuseMs)
	m.metadata.PutInt32Ordered(record+stateOffset, recordReclaiming)
	m.freeList = append(m.freeList, id)
}

// SetValue publishes a value for the counter with ordered semantics
func (m *Manager) SetValue(id int32, value int64) {
	m.values.PutInt64Ordered(int(id)*ValueLength, value)
}

// GetValue reads the counter value with ordered semantics
func (m *Manager) GetValue(id int32) int64 {
	return m.values.GetInt64Volatile(int(id) * ValueLength)
}

// Label returns the label recorded for the counter
func (m *Manager) Label(id int32) string {
	record := int(id) * MetadataLength
	length := int(m.metadata.GetInt32(record + labelLengthOffset))
	if length <= 0 || length > MaxLabelLength {
		return ""
	}
	return string(m.metadata.GetBytes(record+labelOffset, length))
}

// TypeID returns the type id recorded for the counter
func (m *Manager) TypeID(id int32) int32 {
	return m.metadata.GetInt32(int(id)*MetadataLength + typeIDOffset)
}

// RegistrationID returns the registration id recorded for the counter
func (m *Manager) RegistrationID(id int32) int64 {
	return m.metadata.GetInt64(int(id)*MetadataLength + registrationIDOffset)
}

// OwnerID returns the owner id recorded for the counter
func (m *Manager) OwnerID(id int32) int64 {
	return m.metadata.GetInt64(int(id)*MetadataLength + ownerIDOffset)
}

// ForEach visits every allocated counter
func (m *Manager) ForEach(fn func(id, typeID int32, label string)) {
	for id := int32(0); id < m.idHighWater; id++ {
		record := int(id) * MetadataLength
		if m.metadata.GetInt32Volatile(record+stateOffset) == recordAllocated {
			fn(id, m.TypeID(id), m.Label(id))
		}
	}
}

func (m *Manager) nextCounterID() (int32, error) {
	nowMs := m.epochClock.Time()

	for i, id := range m.freeList {
		record := int(id) * MetadataLength
		if nowMs >= m.metadata.GetInt64(record+freeForReuseOffset) {
			m.freeList = append(m.freeList[:i], m.freeList[i+1:]...)
			return id, nil
		}
	}

	if m.idHighWater >= m.maxCounterID {
		return -1, fmt.Errorf("counter table exhausted: max=%d", m.maxCounterID)
	}

	id := m.idHighWater
	m.idHighWater++
	return id, nil
}

func (m *Manager) putLabel(record int, label string) {
	data := []byte(label)
	if len(data) > MaxLabelLength {
		data = data[:MaxLabelLength]
	}
	m.metadata.PutBytes(record+labelOffset, data)
	m.metadata.PutInt32(record+labelLengthOffset, int32(len(data)))
}

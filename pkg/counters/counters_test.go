package counters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strand/pkg/buffer"
)

type manualEpochClock struct {
	nowMs int64
}

func (c *manualEpochClock) Time() int64 {
	return c.nowMs
}

func newTestManager(t *testing.T, clock *manualEpochClock, freeToReuseMs int64) *Manager {
	t.Helper()
	values := buffer.NewAtomic(make([]byte, 64*ValueLength))
	metadata := buffer.NewAtomic(make([]byte, 64*MetadataLength))
	m, err := NewManager(values, metadata, clock, freeToReuseMs)
	require.NoError(t, err)
	return m
}

// TestAllocateAndRead verifies metadata and value round through the regions
func TestAllocateAndRead(t *testing.T) {
	clock := &manualEpochClock{}
	m := newTestManager(t, clock, 0)

	id, err := m.Allocate(7, "sub-pos: stream 1001", []byte{1, 2, 3}, 99, 1234)
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	assert.Equal(t, int32(7), m.TypeID(id))
	assert.Equal(t, "sub-pos: stream 1001", m.Label(id))
	assert.Equal(t, int64(99), m.OwnerID(id))
	assert.Equal(t, int64(1234), m.RegistrationID(id))

	m.SetValue(id, 42)
	assert.Equal(t, int64(42), m.GetValue(id))
}

// TestFreeWithholdsReuse verifies the free-to-reuse cooldown
func TestFreeWithholdsReuse(t *testing.T) {
	clock := &manualEpochClock{nowMs: 1000}
	m := newTestManager(t, clock, 500)

	id, err := m.Allocate(1, "first", nil, 0, 0)
	require.NoError(t, err)
	m.Free(id)

	// Inside the cooldown a fresh slot is handed out
	next, err := m.Allocate(1, "second", nil, 0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)

	// After the cooldown the slot is recycled
	clock.nowMs += 501
	recycled, err := m.Allocate(1, "third", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, id, recycled)
}

// TestExhaustion verifies allocation fails when the table is full
func TestExhaustion(t *testing.T) {
	clock := &manualEpochClock{}
	values := buffer.NewAtomic(make([]byte, 2*ValueLength))
	metadata := buffer.NewAtomic(make([]byte, 2*MetadataLength))
	m, err := NewManager(values, metadata, clock, 0)
	require.NoError(t, err)

	_, err = m.Allocate(1, "a", nil, 0, 0)
	require.NoError(t, err)
	_, err = m.Allocate(1, "b", nil, 0, 0)
	require.NoError(t, err)
	_, err = m.Allocate(1, "c", nil, 0, 0)
	assert.Error(t, err)
}

// TestForEachSkipsFreed verifies iteration covers only allocated slots
func TestForEachSkipsFreed(t *testing.T) {
	clock := &manualEpochClock{}
	m := newTestManager(t, clock, 1000)

	a, err := m.Allocate(1, "a", nil, 0, 0)
	require.NoError(t, err)
	b, err := m.Allocate(2, "b", nil, 0, 0)
	require.NoError(t, err)
	m.Free(a)

	seen := make(map[int32]string)
	m.ForEach(func(id, typeID int32, label string) {
		seen[id] = label
	})
	assert.NotContains(t, seen, a)
	assert.Equal(t, map[int32]string{b: "b"}, seen)
}

// TestCounterHandleCloseIsIdempotent verifies a slot is freed exactly once
func TestCounterHandleCloseIsIdempotent(t *testing.T) {
	clock := &manualEpochClock{nowMs: 10}
	m := newTestManager(t, clock, 0)

	id, err := m.Allocate(1, "pos", nil, 0, 0)
	require.NoError(t, err)
	counter := NewCounter(m, id)
	counter.Set(7)
	assert.Equal(t, int64(7), counter.Get())

	counter.Close()
	counter.Close()
	assert.True(t, counter.IsClosed())
	assert.Len(t, m.freeList, 1)
}

// TestKeyTooLong verifies oversized keys are rejected
func TestKeyTooLong(t *testing.T) {
	clock := &manualEpochClock{}
	m := newTestManager(t, clock, 0)

	_, err := m.Allocate(1, "big", make([]byte, MaxKeyLength+1), 0, 0)
	assert.Error(t, err)
}

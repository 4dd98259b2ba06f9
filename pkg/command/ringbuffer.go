package command

import (
	"sync"
	"sync/atomic"
)

type frame struct {
	msgType Type
	payload []byte
}

// ManyToOneRingBuffer is an in-process implementation of RingBuffer. A
// mutex serializes producer claims, giving the same claim-order semantics
// the shared-memory buffer provides; positions and heartbeat are atomics so
// the conductor's liveness checks read them without the lock.
type ManyToOneRingBuffer struct {
	mu       sync.Mutex
	frames   []frame
	capacity int

	producerPosition  atomic.Int64
	consumerPosition  atomic.Int64
	consumerHeartbeat atomic.Int64
	blocked           atomic.Bool
}

// NewManyToOneRingBuffer creates a ring buffer bounded to capacity frames
func NewManyToOneRingBuffer(capacity int) *ManyToOneRingBuffer {
	return &ManyToOneRingBuffer{capacity: capacity}
}

// Write enqueues a frame in claim order
func (r *ManyToOneRingBuffer) Write(msgType Type, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) >= r.capacity {
		return false
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.frames = append(r.frames, frame{msgType: msgType, payload: buf})
	r.producerPosition.Add(1)
	return true
}

// Read dispatches up to limit frames
func (r *ManyToOneRingBuffer) Read(handler Handler, limit int) int {
	r.mu.Lock()
	n := limit
	if n > len(r.frames) {
		n = len(r.frames)
	}
	batch := make([]frame, n)
	copy(batch, r.frames[:n])
	r.frames = r.frames[n:]
	r.mu.Unlock()

	for _, f := range batch {
		handler(f.msgType, f.payload)
		r.consumerPosition.Add(1)
	}
	return n
}

func (r *ManyToOneRingBuffer) ConsumerHeartbeatTime() int64 {
	return r.consumerHeartbeat.Load()
}

func (r *ManyToOneRingBuffer) SetConsumerHeartbeatTime(nowMs int64) {
	r.consumerHeartbeat.Store(nowMs)
}

func (r *ManyToOneRingBuffer) ProducerPosition() int64 {
	return r.producerPosition.Load()
}

func (r *ManyToOneRingBuffer) ConsumerPosition() int64 {
	return r.consumerPosition.Load()
}

// Block marks the buffer as wedged for testing the unblock path
func (r *ManyToOneRingBuffer) Block() {
	r.blocked.Store(true)
}

// Unblock clears a wedged producer claim
func (r *ManyToOneRingBuffer) Unblock() bool {
	return r.blocked.Swap(false)
}

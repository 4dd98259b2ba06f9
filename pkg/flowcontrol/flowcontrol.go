package flowcontrol

import (
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/logbuffer"
)

// StatusMessage is the flow-control feedback a receiver reports for a
// stream, already decoded by the receiver agent
type StatusMessage struct {
	ReceiverID          int64
	ConsumptionTermID   int32
	ConsumptionTermOffset int32
	ReceiverWindowLength int32
}

// FlowControl decides the sender limit of a network publication from
// receiver feedback. Implementations are owned by the sender thread after
// creation; the conductor only selects and constructs them.
type FlowControl interface {
	// Initialize primes the strategy with the publication's geometry
	Initialize(initialTermID int32, termLength int32)

	// OnStatusMessage folds receiver feedback into a new sender limit
	OnStatusMessage(sm *StatusMessage, senderLimit int64, positionBitsToShift uint8, initialTermID int32, nowNs int64) int64

	// OnSetup is called when a setup frame is sent, seeding the limit
	OnSetup(senderLimit int64, nowNs int64) int64

	// OnIdle ages out stale receivers and returns the limit, never below
	// senderLimit
	OnIdle(senderLimit int64, nowNs int64) int64

	// HasRequiredReceivers reports whether enough receivers are connected
	// for the publication to count as flow controlled
	HasRequiredReceivers() bool

	// Close releases strategy resources
	Close()
}

// Select picks the strategy for a publication channel: multicast endpoints
// and manual-control channels aggregate receivers, unicast tracks one.
func Select(uri *channel.URI, receiverTimeoutNs int64) FlowControl {
	if uri.IsMulticast() || uri.IsManualControlMode() {
		return NewMaxMulticastFlowControl(receiverTimeoutNs)
	}
	return NewUnicastFlowControl()
}

// UnicastFlowControl tracks the single receiver of a unicast stream. The
// sender limit chases the receiver's position plus its advertised window.
type UnicastFlowControl struct {
	initialized bool
}

// NewUnicastFlowControl creates the unicast strategy
func NewUnicastFlowControl() *UnicastFlowControl {
	return &UnicastFlowControl{}
}

func (fc *UnicastFlowControl) Initialize(initialTermID, termLength int32) {
	fc.initialized = true
}

func (fc *UnicastFlowControl) OnStatusMessage(sm *StatusMessage, senderLimit int64, positionBitsToShift uint8, initialTermID int32, nowNs int64) int64 {
	position := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, positionBitsToShift, initialTermID)
	limit := position + int64(sm.ReceiverWindowLength)
	if limit > senderLimit {
		return limit
	}
	return senderLimit
}

func (fc *UnicastFlowControl) OnSetup(senderLimit int64, nowNs int64) int64 {
	return senderLimit
}

func (fc *UnicastFlowControl) OnIdle(senderLimit int64, nowNs int64) int64 {
	return senderLimit
}

func (fc *UnicastFlowControl) HasRequiredReceivers() bool {
	return true
}

func (fc *UnicastFlowControl) Close() {}

type receiverState struct {
	lastPositionPlusWindow int64
	timeOfLastStatusNs     int64
}

// MaxMulticastFlowControl tracks every receiver of a multicast or
// multi-destination stream and lets the fastest one pace the sender, so a
// slow receiver falls behind instead of stalling the group.
type MaxMulticastFlowControl struct {
	receivers         map[int64]*receiverState
	receiverTimeoutNs int64
}

// NewMaxMulticastFlowControl creates the max strategy with the given
// receiver liveness timeout
func NewMaxMulticastFlowControl(receiverTimeoutNs int64) *MaxMulticastFlowControl {
	return &MaxMulticastFlowControl{
		receivers:         make(map[int64]*receiverState),
		receiverTimeoutNs: receiverTimeoutNs,
	}
}

func (fc *MaxMulticastFlowControl) Initialize(initialTermID, termLength int32) {}

func (fc *MaxMulticastFlowControl) OnStatusMessage(sm *StatusMessage, senderLimit int64, positionBitsToShift uint8, initialTermID int32, nowNs int64) int64 {
	position := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, positionBitsToShift, initialTermID)
	windowEdge := position + int64(sm.ReceiverWindowLength)

	state, ok := fc.receivers[sm.ReceiverID]
	if !ok {
		state = &receiverState{}
		fc.receivers[sm.ReceiverID] = state
	}
	state.lastPositionPlusWindow = windowEdge
	state.timeOfLastStatusNs = nowNs

	return fc.maxWindowEdge(senderLimit)
}

func (fc *MaxMulticastFlowControl) OnSetup(senderLimit int64, nowNs int64) int64 {
	return senderLimit
}

func (fc *MaxMulticastFlowControl) OnIdle(senderLimit int64, nowNs int64) int64 {
	for id, state := range fc.receivers {
		if nowNs-state.timeOfLastStatusNs > fc.receiverTimeoutNs {
			delete(fc.receivers, id)
		}
	}
	if len(fc.receivers) == 0 {
		return senderLimit
	}
	return fc.maxWindowEdge(senderLimit)
}

func (fc *MaxMulticastFlowControl) HasRequiredReceivers() bool {
	return len(fc.receivers) > 0
}

func (fc *MaxMulticastFlowControl) Close() {}

func (fc *MaxMulticastFlowControl) maxWindowEdge(senderLimit int64) int64 {
	max := senderLimit
	for _, state := range fc.receivers {
		if state.lastPositionPlusWindow > max {
			max = state.lastPositionPlusWindow
		}
	}
	return max
}

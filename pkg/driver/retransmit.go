package driver

import "github.com/cuemby/strand/pkg/congestion"

const maxConcurrentRetransmits = 16

type retransmitAction struct {
	termID     int32
	termOffset int32
	length     int32
	deadlineNs int64
}

// RetransmitHandler schedules retransmissions in response to NAKs. The
// conductor constructs one per network publication; the sender drives it.
// Delays are generated per the channel's feedback delay generator so
// multicast receiver groups do not provoke synchronized retransmit storms.
type RetransmitHandler struct {
	delayGenerator congestion.FeedbackDelayGenerator
	pending        []retransmitAction
}

// NewRetransmitHandler creates a handler with the given delay generator
func NewRetransmitHandler(delayGenerator congestion.FeedbackDelayGenerator) *RetransmitHandler {
	return &RetransmitHandler{delayGenerator: delayGenerator}
}

// OnNak schedules a retransmit unless one is already pending for the same
// term id and term offset or the handler is saturated
func (h *RetransmitHandler) OnNak(termID, termOffset, length int32, nowNs int64) {
	for _, action := range h.pending {
		if action.termID == termID && action.termOffset == termOffset {
			return
		}
	}
	if len(h.pending) >= maxConcurrentRetransmits {
		return
	}
	h.pending = append(h.pending, retransmitAction{
		termID:     termID,
		termOffset: termOffset,
		length:     length,
		deadlineNs: nowNs + h.delayGenerator.Generate(),
	})
}

// ProcessTimeouts fires due retransmits through the callback
func (h *RetransmitHandler) ProcessTimeouts(nowNs int64, retransmit func(termID, termOffset, length int32)) {
	for i := 0; i < len(h.pending); {
		if nowNs >= h.pending[i].deadlineNs {
			action := h.pending[i]
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			retransmit(action.termID, action.termOffset, action.length)
			continue
		}
		i++
	}
}

// PendingCount returns the number of scheduled retransmits
func (h *RetransmitHandler) PendingCount() int {
	return len(h.pending)
}

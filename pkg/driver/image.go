package driver

import (
	"github.com/cuemby/strand/pkg/congestion"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

// imageState is the lifecycle of a publication image
type imageState int32

const (
	imageActive imageState = iota
	imageLinger
	imageDone
)

// PublicationImage is the receive-side reassembly of one remote
// publisher's stream. The receiver advances the high-water mark and
// rebuild position; the conductor owns lifecycle, counters, and the set of
// attached subscribers.
type PublicationImage struct {
	correlationID int64
	sessionID     int32
	streamID      int32
	endpoint      *ReceiveChannelEndpoint

	rawLog *logbuffer.RawLog

	rcvHwmPosition *counters.Counter
	rcvPosition    *counters.Counter

	congestionControl congestion.CongestionControl
	feedbackDelay     congestion.FeedbackDelayGenerator

	subscriberPositions []*SubscriberPosition

	initialTermID       int32
	termLength          int32
	mtuLength           int32
	positionBitsToShift uint8
	joinPosition        int64
	sourceIdentity      string
	isSparse            bool
	isReliable          bool

	state                imageState
	timeOfLastActivityNs int64
	livenessTimeoutNs    int64
	untetheredWindowLimitTimeoutNs int64
	untetheredRestingTimeoutNs     int64
}

// CorrelationID returns the image's correlation id
func (img *PublicationImage) CorrelationID() int64 {
	return img.correlationID
}

// SessionID returns the remote publisher's session id
func (img *PublicationImage) SessionID() int32 {
	return img.sessionID
}

// StreamID returns the stream id
func (img *PublicationImage) StreamID() int32 {
	return img.streamID
}

// Endpoint returns the receive endpoint the image arrived on
func (img *PublicationImage) Endpoint() *ReceiveChannelEndpoint {
	return img.endpoint
}

// RawLog returns the term log
func (img *PublicationImage) RawLog() *logbuffer.RawLog {
	return img.rawLog
}

// SourceIdentity returns the remote source address string
func (img *PublicationImage) SourceIdentity() string {
	return img.sourceIdentity
}

// JoinPosition is the position subscribers start consuming from
func (img *PublicationImage) JoinPosition() int64 {
	return img.joinPosition
}

// IsSparse reports the storage mode chosen from the oldest subscriber
func (img *PublicationImage) IsSparse() bool {
	return img.isSparse
}

// IsAcceptingSubscribers reports whether a new subscription may link
func (img *PublicationImage) IsAcceptingSubscribers() bool {
	return img.state == imageActive
}

// matches reports whether the image carries the given source stream
func (img *PublicationImage) matches(endpoint *ReceiveChannelEndpoint, streamID, sessionID int32) bool {
	return img.endpoint == endpoint && img.streamID == streamID && img.sessionID == sessionID
}

// addSubscriberPosition attaches a subscriber so the receiver can include
// it in high-water-mark constraints
func (img *PublicationImage) addSubscriberPosition(sp *SubscriberPosition) {
	img.subscriberPositions = append(img.subscriberPositions, sp)
}

// removeSubscriberPosition detaches a subscriber; its counter closes here
func (img *PublicationImage) removeSubscriberPosition(link *SubscriptionLink) *SubscriberPosition {
	for i, sp := range img.subscriberPositions {
		if sp.link == link {
			img.subscriberPositions = append(img.subscriberPositions[:i], img.subscriberPositions[i+1:]...)
			sp.close()
			return sp
		}
	}
	return nil
}

// trackRebuild publishes the slowest subscriber position as the receiver's
// rebuild floor
func (img *PublicationImage) trackRebuild(nowNs int64) int {
	if img.state != imageActive || len(img.subscriberPositions) == 0 {
		return 0
	}

	min := img.subscriberPositions[0].Get()
	for _, sp := range img.subscriberPositions[1:] {
		if position := sp.Get(); position < min {
			min = position
		}
	}

	if img.rcvPosition.Get() != min {
		img.rcvPosition.Set(min)
		return 1
	}
	return 0
}

// deactivate enters the linger state after the last subscriber detaches
func (img *PublicationImage) deactivate(nowNs int64) {
	if img.state == imageActive {
		img.state = imageLinger
		img.timeOfLastActivityNs = nowNs
	}
}

// OnTimeEvent drives the lifecycle and untethered demotion cycle
func (img *PublicationImage) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	img.checkUntetheredSubscriptions(nowNs, conductor)

	switch img.state {
	case imageActive:
		if len(img.subscriberPositions) == 0 {
			img.deactivate(nowNs)
		} else {
			img.timeOfLastActivityNs = nowNs
		}
	case imageLinger:
		if nowNs-img.timeOfLastActivityNs > img.livenessTimeoutNs {
			img.state = imageDone
		}
	}
}

func (img *PublicationImage) checkUntetheredSubscriptions(nowNs int64, conductor *Conductor) {
	hwm := img.rcvHwmPosition.Get()
	windowLength := img.termLength / 2
	for _, sp := range img.subscriberPositions {
		transition := sp.checkUntethered(nowNs, hwm, windowLength,
			img.untetheredWindowLimitTimeoutNs, img.untetheredRestingTimeoutNs, img.rcvPosition.Get())
		switch transition {
		case tetherDemoted:
			conductor.clientProxy.OnUnavailableImage(img.correlationID,
				sp.link.RegistrationID(), img.streamID, img.endpoint.OriginalChannel())
		case tetherRejoined:
			conductor.clientProxy.OnAvailableImage(img.correlationID, img.sessionID, img.streamID,
				sp.link.RegistrationID(), sp.CounterID(), img.rawLog.FileName(), img.sourceIdentity)
		}
	}
}

// HasReachedEndOfLife reports the image can be released
func (img *PublicationImage) HasReachedEndOfLife() bool {
	return img.state == imageDone
}

// Free releases counters, congestion control, and the log file
func (img *PublicationImage) Free() bool {
	if err := img.rawLog.Delete(); err != nil {
		return false
	}
	img.rcvHwmPosition.Close()
	img.rcvPosition.Close()
	img.congestionControl.Close()
	return true
}

// Close detaches the image from the conductor's registries
func (img *PublicationImage) Close(conductor *Conductor) {
	metrics.ImagesTotal.Dec()
	conductor.onImageClosed(img)
}

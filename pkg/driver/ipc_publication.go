package driver

import (
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

// IpcPublication is a shared-memory-only publication. Subscribers consume
// directly from the publisher's log, so there is no sender side and no
// flow control; the publisher limit chases the slowest subscriber.
type IpcPublication struct {
	registrationID int64
	sessionID      int32
	streamID       int32
	channel        string

	rawLog *logbuffer.RawLog
	params *channel.PublicationParams

	publisherPosition *counters.Counter
	publisherLimit    *counters.Counter

	initialTermID       int32
	termLength          int32
	mtuLength           int32
	positionBitsToShift uint8
	termWindowLength    int32

	subscriberPositions []*SubscriberPosition

	refCount             int
	state                publicationState
	timeOfLastActivityNs int64
	lingerTimeoutNs      int64
	untetheredWindowLimitTimeoutNs int64
	untetheredRestingTimeoutNs     int64
	isExclusive          bool
}

// RegistrationID returns the publication's registration id
func (p *IpcPublication) RegistrationID() int64 {
	return p.registrationID
}

// SessionID returns the stream session id
func (p *IpcPublication) SessionID() int32 {
	return p.sessionID
}

// StreamID returns the stream id
func (p *IpcPublication) StreamID() int32 {
	return p.streamID
}

// Channel returns the channel the publication was created with
func (p *IpcPublication) Channel() string {
	return p.channel
}

// RawLog returns the term log
func (p *IpcPublication) RawLog() *logbuffer.RawLog {
	return p.rawLog
}

// IsExclusive reports whether the publication can be shared
func (p *IpcPublication) IsExclusive() bool {
	return p.isExclusive
}

// IsAcceptingSubscriptions reports whether new subscribers may link
func (p *IpcPublication) IsAcceptingSubscriptions() bool {
	return p.state == pubActive
}

// JoinPosition is the position a new subscriber starts consuming from
func (p *IpcPublication) JoinPosition() int64 {
	return p.publisherPosition.Get()
}

func (p *IpcPublication) sessionKey() SessionKey {
	return SessionKey{SessionID: p.sessionID, StreamID: p.streamID, Channel: channel.IpcChannel}
}

// matches confirms a non-exclusive add can share this publication
func (p *IpcPublication) matches(params *channel.PublicationParams) error {
	if params.TermLength != p.termLength {
		return NewDriverError(errCodeProtocol,
			"existing publication has term-length %d, requested %d", p.termLength, params.TermLength)
	}
	if params.MTULength != p.mtuLength {
		return NewDriverError(errCodeProtocol,
			"existing publication has mtu %d, requested %d", p.mtuLength, params.MTULength)
	}
	return nil
}

func (p *IpcPublication) incRef() {
	p.refCount++
}

func (p *IpcPublication) decRef() {
	p.refCount--
	if p.refCount == 0 && p.state == pubActive {
		p.state = pubLinger
		logbuffer.SetEndOfStreamPosition(p.rawLog.Meta(), p.publisherPosition.Get())
	}
}

// addSubscriberPosition links a subscriber at the given position
func (p *IpcPublication) addSubscriberPosition(sp *SubscriberPosition) {
	p.subscriberPositions = append(p.subscriberPositions, sp)
	logbuffer.SetIsConnected(p.rawLog.Meta(), true)
}

// removeSubscriberPosition unlinks a subscriber; its counter closes with it
func (p *IpcPublication) removeSubscriberPosition(link *SubscriptionLink) *SubscriberPosition {
	for i, sp := range p.subscriberPositions {
		if sp.link == link {
			p.subscriberPositions = append(p.subscriberPositions[:i], p.subscriberPositions[i+1:]...)
			sp.close()
			if len(p.subscriberPositions) == 0 {
				logbuffer.SetIsConnected(p.rawLog.Meta(), false)
			}
			return sp
		}
	}
	return nil
}

// updatePublisherLimit chases the slowest consuming subscriber
func (p *IpcPublication) updatePublisherLimit() int {
	var limit int64
	minPosition, found := p.minConsumingPosition()
	if found {
		limit = minPosition + int64(p.termWindowLength)
	} else {
		limit = p.publisherPosition.Get()
	}

	if p.publisherLimit.Get() != limit {
		p.publisherLimit.Set(limit)
		return 1
	}
	return 0
}

func (p *IpcPublication) minConsumingPosition() (int64, bool) {
	var min int64
	found := false
	for _, sp := range p.subscriberPositions {
		if !sp.isConsuming() {
			continue
		}
		if !found || sp.Get() < min {
			min = sp.Get()
			found = true
		}
	}
	return min, found
}

func (p *IpcPublication) subscribersHaveDrained(position int64) bool {
	for _, sp := range p.subscriberPositions {
		if sp.isConsuming() && sp.Get() < position {
			return false
		}
	}
	return true
}

// OnTimeEvent drives the state machine and untethered demotion cycle
func (p *IpcPublication) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	p.checkUntetheredSubscriptions(nowNs, conductor)

	switch p.state {
	case pubLinger:
		if p.subscribersHaveDrained(logbuffer.EndOfStreamPosition(p.rawLog.Meta())) ||
			nowNs-p.timeOfLastActivityNs > p.lingerTimeoutNs {
			p.state = pubDone
		}
	case pubActive:
		p.timeOfLastActivityNs = nowNs
	}
}

func (p *IpcPublication) checkUntetheredSubscriptions(nowNs int64, conductor *Conductor) {
	producerPosition := p.publisherPosition.Get()
	for _, sp := range p.subscriberPositions {
		transition := sp.checkUntethered(nowNs, producerPosition, p.termWindowLength,
			p.untetheredWindowLimitTimeoutNs, p.untetheredRestingTimeoutNs, producerPosition)
		switch transition {
		case tetherDemoted:
			conductor.clientProxy.OnUnavailableImage(p.registrationID,
				sp.link.RegistrationID(), p.streamID, sp.link.Channel())
		case tetherRejoined:
			conductor.clientProxy.OnAvailableImage(p.registrationID, p.sessionID, p.streamID,
				sp.link.RegistrationID(), sp.CounterID(), p.rawLog.FileName(), channel.IpcChannel)
		}
	}
}

// HasReachedEndOfLife reports the publication is fully drained
func (p *IpcPublication) HasReachedEndOfLife() bool {
	return p.state == pubDone
}

// Free releases counters and the log file
func (p *IpcPublication) Free() bool {
	if err := p.rawLog.Delete(); err != nil {
		return false
	}
	p.publisherPosition.Close()
	p.publisherLimit.Close()
	return true
}

// Close detaches the publication from the conductor's registries
func (p *IpcPublication) Close(conductor *Conductor) {
	metrics.IpcPublicationsTotal.Dec()
	conductor.onIpcPublicationClosed(p)
}

package driver

import (
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/flowcontrol"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

// publicationState is the lifecycle of a publication
type publicationState int32

const (
	pubActive publicationState = iota
	pubDraining
	pubLinger
	pubDone
)

// NetworkPublication is the send side of one logical stream over UDP. The
// conductor owns its lifecycle and counters; the sender drives the data
// path through the shared log and position counters.
type NetworkPublication struct {
	registrationID int64
	sessionID      int32
	streamID       int32
	channel        string
	endpoint       *SendChannelEndpoint

	rawLog *logbuffer.RawLog
	params *channel.PublicationParams

	publisherPosition *counters.Counter
	publisherLimit    *counters.Counter
	senderPosition    *counters.Counter
	senderLimit       *counters.Counter
	senderBpe         *counters.Counter

	flowControl       flowcontrol.FlowControl
	retransmitHandler *RetransmitHandler

	initialTermID       int32
	termLength          int32
	mtuLength           int32
	positionBitsToShift uint8
	termWindowLength    int32

	spyPositions []*SubscriberPosition

	refCount             int
	state                publicationState
	timeOfLastActivityNs int64
	lingerTimeoutNs      int64
	untetheredWindowLimitTimeoutNs int64
	untetheredRestingTimeoutNs     int64
	isExclusive             bool
	spiesSimulateConnection bool
}

// RegistrationID returns the publication's registration id
func (p *NetworkPublication) RegistrationID() int64 {
	return p.registrationID
}

// SessionID returns the stream session id
func (p *NetworkPublication) SessionID() int32 {
	return p.sessionID
}

// StreamID returns the stream id
func (p *NetworkPublication) StreamID() int32 {
	return p.streamID
}

// Channel returns the channel the publication was created with
func (p *NetworkPublication) Channel() string {
	return p.channel
}

// Endpoint returns the send endpoint
func (p *NetworkPublication) Endpoint() *SendChannelEndpoint {
	return p.endpoint
}

// RawLog returns the term log
func (p *NetworkPublication) RawLog() *logbuffer.RawLog {
	return p.rawLog
}

// FlowControl returns the flow control strategy the sender drives
func (p *NetworkPublication) FlowControl() flowcontrol.FlowControl {
	return p.flowControl
}

// RetransmitHandler returns the retransmit handler the sender drives
func (p *NetworkPublication) RetransmitHandler() *RetransmitHandler {
	return p.retransmitHandler
}

// IsExclusive reports whether the publication can be shared
func (p *NetworkPublication) IsExclusive() bool {
	return p.isExclusive
}

// IsAcceptingSubscriptions reports whether new spies may link
func (p *NetworkPublication) IsAcceptingSubscriptions() bool {
	return p.state == pubActive || (p.state == pubDraining && p.producerPosition() > p.consumedPosition())
}

// sessionKey returns the uniqueness key of the publication
func (p *NetworkPublication) sessionKey() SessionKey {
	return SessionKey{SessionID: p.sessionID, StreamID: p.streamID, Channel: p.endpoint.CanonicalForm()}
}

// matches confirms a non-exclusive add can share this publication
func (p *NetworkPublication) matches(params *channel.PublicationParams) error {
	if params.TermLength != p.termLength {
		return NewDriverError(errCodeProtocol,
			"existing publication has term-length %d, requested %d", p.termLength, params.TermLength)
	}
	if params.MTULength != p.mtuLength {
		return NewDriverError(errCodeProtocol,
			"existing publication has mtu %d, requested %d", p.mtuLength, params.MTULength)
	}
	if params.HasPosition {
		if params.InitialTermID != p.initialTermID {
			return NewDriverError(errCodeProtocol,
				"existing publication has init-term-id %d, requested %d", p.initialTermID, params.InitialTermID)
		}
		currentTermCount := logbuffer.ActiveTermCount(p.rawLog.Meta())
		requestedTermCount := params.TermID - params.InitialTermID
		if requestedTermCount != currentTermCount {
			return NewDriverError(errCodeProtocol,
				"existing publication is at term count %d, requested %d", currentTermCount, requestedTermCount)
		}
	}
	if params.SpiesSimulateConnection != p.spiesSimulateConnection {
		return NewDriverError(errCodeProtocol,
			"existing publication has spies-simulate-connection=%v", p.spiesSimulateConnection)
	}
	return nil
}

func (p *NetworkPublication) incRef() {
	p.refCount++
}

func (p *NetworkPublication) decRef() {
	p.refCount--
	if p.refCount == 0 && p.state == pubActive {
		p.state = pubDraining
		logbuffer.SetEndOfStreamPosition(p.rawLog.Meta(), p.producerPosition())
	}
}

func (p *NetworkPublication) producerPosition() int64 {
	return p.publisherPosition.Get()
}

func (p *NetworkPublication) consumedPosition() int64 {
	return p.senderPosition.Get()
}

// addSpyPosition links a spy subscription at the given position
func (p *NetworkPublication) addSpyPosition(sp *SubscriberPosition) {
	p.spyPositions = append(p.spyPositions, sp)
	if p.spiesSimulateConnection {
		logbuffer.SetIsConnected(p.rawLog.Meta(), true)
	}
}

// removeSpyPosition unlinks a spy subscription; its counter closes with it
func (p *NetworkPublication) removeSpyPosition(link *SubscriptionLink) *SubscriberPosition {
	for i, sp := range p.spyPositions {
		if sp.link == link {
			p.spyPositions = append(p.spyPositions[:i], p.spyPositions[i+1:]...)
			sp.close()
			return sp
		}
	}
	return nil
}

// updatePublisherLimit recomputes the position publishers may write to.
// The sender paces the limit: while the publication has publishers or a
// consuming spy, or once it has left the active state, the limit is the
// sender position plus the term window; otherwise it holds at the producer
// position.
func (p *NetworkPublication) updatePublisherLimit() int {
	var limit int64
	if p.hasConsumingSubscriber() || p.state != pubActive {
		limit = p.consumedPosition() + int64(p.termWindowLength)
	} else {
		limit = p.producerPosition()
	}

	if p.publisherLimit.Get() != limit {
		p.publisherLimit.Set(limit)
		return 1
	}
	return 0
}

func (p *NetworkPublication) hasConsumingSubscriber() bool {
	if p.refCount > 0 {
		return true
	}
	for _, sp := range p.spyPositions {
		if sp.isConsuming() {
			return true
		}
	}
	return false
}

func (p *NetworkPublication) spiesHaveDrained(position int64) bool {
	for _, sp := range p.spyPositions {
		if sp.isConsuming() && sp.Get() < position {
			return false
		}
	}
	return true
}

// OnTimeEvent drives the state machine and untethered demotion cycle
func (p *NetworkPublication) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	p.checkUntetheredSubscriptions(nowNs, conductor)

	switch p.state {
	case pubDraining:
		if p.consumedPosition() >= p.producerPosition() ||
			nowNs-p.timeOfLastActivityNs > p.lingerTimeoutNs {
			p.state = pubLinger
			p.timeOfLastActivityNs = nowNs
		}
	case pubLinger:
		if p.spiesHaveDrained(logbuffer.EndOfStreamPosition(p.rawLog.Meta())) ||
			nowNs-p.timeOfLastActivityNs > p.lingerTimeoutNs {
			p.state = pubDone
		}
	case pubActive:
		p.timeOfLastActivityNs = nowNs
	}
}

func (p *NetworkPublication) checkUntetheredSubscriptions(nowNs int64, conductor *Conductor) {
	producerPosition := p.producerPosition()
	for _, sp := range p.spyPositions {
		transition := sp.checkUntethered(nowNs, producerPosition, p.termWindowLength,
			p.untetheredWindowLimitTimeoutNs, p.untetheredRestingTimeoutNs, p.consumedPosition())
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
func (p *NetworkPublication) HasReachedEndOfLife() bool {
	return p.state == pubDone
}

// Free releases counters, strategy, and the log file
func (p *NetworkPublication) Free() bool {
	if err := p.rawLog.Delete(); err != nil {
		return false
	}
	p.publisherPosition.Close()
	p.publisherLimit.Close()
	p.senderPosition.Close()
	p.senderLimit.Close()
	p.senderBpe.Close()
	p.flowControl.Close()
	return true
}

// Close detaches the publication from the conductor's registries
func (p *NetworkPublication) Close(conductor *Conductor) {
	metrics.NetworkPublicationsTotal.Dec()
	conductor.onNetworkPublicationClosed(p)
}

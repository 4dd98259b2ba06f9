package driver

import (
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/metrics"
)

// subscriptionKind is the transport variant of a subscription
type subscriptionKind int32

const (
	subNetwork subscriptionKind = iota
	subIpc
	subSpy
)

func (k subscriptionKind) String() string {
	switch k {
	case subNetwork:
		return "network"
	case subIpc:
		return "ipc"
	default:
		return "spy"
	}
}

// linkedSource is one stream source a subscription consumes, paired with
// the detach hook that unlinks the subscriber position from that source
type linkedSource struct {
	correlationID int64
	sp            *SubscriberPosition
	detach        func(link *SubscriptionLink) *SubscriberPosition
}

// SubscriptionLink is one client subscription: network, IPC, or spy. It
// holds the ordered list of sources it is linked to, each paired with a
// subscriber position counter.
type SubscriptionLink struct {
	registrationID int64
	streamID       int32
	channelURI     *channel.URI
	channelString  string
	client         *AeronClient
	params         *channel.SubscriptionParams
	kind           subscriptionKind

	// endpoint is set for network subscriptions only
	endpoint *ReceiveChannelEndpoint

	sources []linkedSource

	// MDS: a manual-control network subscription anchors destination
	// subscriptions added and removed at runtime
	parent       *SubscriptionLink
	destinations []*SubscriptionLink

	reachedEndOfLife bool
	closed           bool
}

func newSubscriptionLink(registrationID int64, streamID int32, uri *channel.URI, raw string,
	client *AeronClient, params *channel.SubscriptionParams, kind subscriptionKind) *SubscriptionLink {

	metrics.SubscriptionsTotal.WithLabelValues(kind.String()).Inc()
	return &SubscriptionLink{
		registrationID: registrationID,
		streamID:       streamID,
		channelURI:     uri,
		channelString:  raw,
		client:         client,
		params:         params,
		kind:           kind,
	}
}

// RegistrationID returns the subscription's registration id
func (l *SubscriptionLink) RegistrationID() int64 {
	return l.registrationID
}

// StreamID returns the subscribed stream id
func (l *SubscriptionLink) StreamID() int32 {
	return l.streamID
}

// Channel returns the channel string the subscription was created with
func (l *SubscriptionLink) Channel() string {
	return l.channelString
}

// Client returns the owning client
func (l *SubscriptionLink) Client() *AeronClient {
	return l.client
}

// IsReliable reports whether gaps are repaired rather than skipped
func (l *SubscriptionLink) IsReliable() bool {
	return l.params.IsReliable
}

// IsRejoin reports whether a demoted subscriber may rejoin the stream
func (l *SubscriptionLink) IsRejoin() bool {
	return l.params.IsRejoin
}

// IsSparse reports whether the subscriber prefers sparse term files
func (l *SubscriptionLink) IsSparse() bool {
	return l.params.IsSparse
}

// IsTether reports whether the subscriber constrains the producer
func (l *SubscriptionLink) IsTether() bool {
	return l.params.IsTether
}

// Group returns the group flag used for feedback delay selection
func (l *SubscriptionLink) Group() channel.InferableBool {
	return l.params.Group
}

// HasSessionID reports whether the subscription filters one session
func (l *SubscriptionLink) HasSessionID() bool {
	return l.params.HasSessionID
}

// SessionID returns the session filter, meaningful when HasSessionID
func (l *SubscriptionLink) SessionID() int32 {
	return l.params.SessionID
}

// IsAnchor reports whether the subscription anchors an MDS
func (l *SubscriptionLink) IsAnchor() bool {
	return l.kind == subNetwork && l.endpoint != nil && l.endpoint.IsManualControlMode()
}

// matchesNetwork reports whether an image on the given endpoint, stream,
// and session belongs to this subscription
func (l *SubscriptionLink) matchesNetwork(endpoint *ReceiveChannelEndpoint, streamID, sessionID int32) bool {
	if l.kind != subNetwork || l.endpoint != endpoint || l.streamID != streamID {
		return false
	}
	return !l.params.HasSessionID || l.params.SessionID == sessionID
}

// matchesIpc reports whether an IPC publication belongs to this subscription
func (l *SubscriptionLink) matchesIpc(publication *IpcPublication) bool {
	if l.kind != subIpc || l.streamID != publication.StreamID() {
		return false
	}
	return !l.params.HasSessionID || l.params.SessionID == publication.SessionID()
}

// matchesSpy reports whether a network publication belongs to this spy
func (l *SubscriptionLink) matchesSpy(publication *NetworkPublication) bool {
	if l.kind != subSpy || l.streamID != publication.StreamID() {
		return false
	}
	if l.channelURI.CanonicalForm() != publication.Endpoint().CanonicalForm() {
		return false
	}
	return !l.params.HasSessionID || l.params.SessionID == publication.SessionID()
}

// addSource records a linked source and its detach hook
func (l *SubscriptionLink) addSource(correlationID int64, sp *SubscriberPosition,
	detach func(link *SubscriptionLink) *SubscriberPosition) {
	l.sources = append(l.sources, linkedSource{correlationID: correlationID, sp: sp, detach: detach})
}

// removeSource drops the bookkeeping for a source that ended
func (l *SubscriptionLink) removeSource(correlationID int64) {
	for i, src := range l.sources {
		if src.correlationID == correlationID {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			return
		}
	}
}

// unlinkAll detaches the subscription from every source, closing each
// position counter through the source's detach hook
func (l *SubscriptionLink) unlinkAll() {
	for _, src := range l.sources {
		src.detach(l)
	}
	l.sources = nil
}

func (l *SubscriptionLink) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	if l.client != nil && l.client.HasReachedEndOfLife() {
		l.reachedEndOfLife = true
	}
}

func (l *SubscriptionLink) HasReachedEndOfLife() bool {
	return l.reachedEndOfLife
}

func (l *SubscriptionLink) Free() bool {
	return true
}

func (l *SubscriptionLink) Close(conductor *Conductor) {
	conductor.cleanupSubscriptionLink(l)
}

package driver

import (
	"fmt"

	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/counters"
)

// SendChannelEndpoint is the conductor-side record of one distinct send
// transport. The sender owns the socket; the conductor owns the refcount
// and status counters.
type SendChannelEndpoint struct {
	uri             *channel.URI
	originalChannel string
	canonicalForm   string
	hasTag          bool
	tag             int64

	statusCounter       *counters.Counter
	localAddressCounter *counters.Counter

	publicationCount int
}

// CanonicalForm returns the registry key of the endpoint
func (e *SendChannelEndpoint) CanonicalForm() string {
	return e.canonicalForm
}

// URI returns the endpoint's parsed channel
func (e *SendChannelEndpoint) URI() *channel.URI {
	return e.uri
}

// StatusCounterID returns the id of the channel status indicator
func (e *SendChannelEndpoint) StatusCounterID() int32 {
	return e.statusCounter.ID()
}

// IsManualControlMode reports whether destinations are managed manually
func (e *SendChannelEndpoint) IsManualControlMode() bool {
	return e.uri.IsManualControlMode()
}

func (e *SendChannelEndpoint) incRef() {
	e.publicationCount++
}

func (e *SendChannelEndpoint) decRef() {
	e.publicationCount--
}

// ShouldBeClosed reports whether nothing references the endpoint
func (e *SendChannelEndpoint) ShouldBeClosed() bool {
	return e.publicationCount == 0
}

func (e *SendChannelEndpoint) closeIndicators() {
	e.statusCounter.Set(ChannelStatusClosing)
	e.statusCounter.Close()
	e.localAddressCounter.Close()
}

// sessionStreamKey keys session-filtered receive refcounts
type sessionStreamKey struct {
	sessionID int32
	streamID  int32
}

// endpointParams are the per-endpoint settings that every subscription
// sharing the endpoint must agree on
type endpointParams struct {
	isReliable         bool
	isRejoin           bool
	socketRcvbufLength int32
	socketSndbufLength int32
	hasRcvTimestamp    bool
	rcvTimestampOffset int32
}

// ReceiveChannelEndpoint is the conductor-side record of one distinct
// receive transport. References are counted per stream and per
// (stream, session); images are counted separately.
type ReceiveChannelEndpoint struct {
	uri             *channel.URI
	originalChannel string
	canonicalForm   string
	hasTag          bool
	tag             int64

	statusCounter       *counters.Counter
	localAddressCounter *counters.Counter

	params endpointParams

	streamRefs        map[int32]int
	sessionStreamRefs map[sessionStreamKey]int
	imageCount        int
}

// CanonicalForm returns the registry key of the endpoint
func (e *ReceiveChannelEndpoint) CanonicalForm() string {
	return e.canonicalForm
}

// URI returns the endpoint's parsed channel
func (e *ReceiveChannelEndpoint) URI() *channel.URI {
	return e.uri
}

// OriginalChannel returns the channel string the endpoint was created with
func (e *ReceiveChannelEndpoint) OriginalChannel() string {
	return e.originalChannel
}

// StatusCounterID returns the id of the channel status indicator
func (e *ReceiveChannelEndpoint) StatusCounterID() int32 {
	return e.statusCounter.ID()
}

// IsManualControlMode reports whether the endpoint anchors an MDS
func (e *ReceiveChannelEndpoint) IsManualControlMode() bool {
	return e.uri.IsManualControlMode()
}

// validateCompatibility rejects a subscription whose settings conflict
// with those the endpoint was opened with. Zero socket buffer lengths mean
// "OS default" and are always compatible.
func (e *ReceiveChannelEndpoint) validateCompatibility(p *channel.SubscriptionParams) error {
	if p.IsReliable != e.params.isReliable {
		return NewDriverError(command.ErrInvalidChannel,
			"option conflict on %s: reliable=%v does not match endpoint reliable=%v",
			e.originalChannel, p.IsReliable, e.params.isReliable)
	}
	if p.IsRejoin != e.params.isRejoin {
		return NewDriverError(command.ErrInvalidChannel,
			"option conflict on %s: rejoin=%v does not match endpoint rejoin=%v",
			e.originalChannel, p.IsRejoin, e.params.isRejoin)
	}
	if p.SocketRcvbufLength != 0 && e.params.socketRcvbufLength != 0 &&
		p.SocketRcvbufLength != e.params.socketRcvbufLength {
		return NewDriverError(command.ErrInvalidChannel,
			"option conflict on %s: socket-rcvbuf=%d does not match endpoint %d",
			e.originalChannel, p.SocketRcvbufLength, e.params.socketRcvbufLength)
	}
	if p.SocketSndbufLength != 0 && e.params.socketSndbufLength != 0 &&
		p.SocketSndbufLength != e.params.socketSndbufLength {
		return NewDriverError(command.ErrInvalidChannel,
			"option conflict on %s: socket-sndbuf=%d does not match endpoint %d",
			e.originalChannel, p.SocketSndbufLength, e.params.socketSndbufLength)
	}
	if p.HasRcvTimestamp != e.params.hasRcvTimestamp ||
		(p.HasRcvTimestamp && p.RcvTimestampOffset != e.params.rcvTimestampOffset) {
		return NewDriverError(command.ErrInvalidChannel,
			"option conflict on %s: channel receive timestamp offset differs", e.originalChannel)
	}
	return nil
}

// incRefToStream counts a subscription to every session of a stream,
// returning the new count
func (e *ReceiveChannelEndpoint) incRefToStream(streamID int32) int {
	e.streamRefs[streamID]++
	return e.streamRefs[streamID]
}

func (e *ReceiveChannelEndpoint) decRefToStream(streamID int32) int {
	count := e.streamRefs[streamID] - 1
	if count <= 0 {
		delete(e.streamRefs, streamID)
		return 0
	}
	e.streamRefs[streamID] = count
	return count
}

// incRefToStreamAndSession counts a session-filtered subscription,
// returning the new count
func (e *ReceiveChannelEndpoint) incRefToStreamAndSession(streamID, sessionID int32) int {
	key := sessionStreamKey{sessionID: sessionID, streamID: streamID}
	e.sessionStreamRefs[key]++
	return e.sessionStreamRefs[key]
}

func (e *ReceiveChannelEndpoint) decRefToStreamAndSession(streamID, sessionID int32) int {
	key := sessionStreamKey{sessionID: sessionID, streamID: streamID}
	count := e.sessionStreamRefs[key] - 1
	if count <= 0 {
		delete(e.sessionStreamRefs, key)
		return 0
	}
	e.sessionStreamRefs[key] = count
	return count
}

func (e *ReceiveChannelEndpoint) incImages() {
	e.imageCount++
}

func (e *ReceiveChannelEndpoint) decImages() {
	e.imageCount--
}

// ShouldBeClosed reports whether no subscription or image references remain
func (e *ReceiveChannelEndpoint) ShouldBeClosed() bool {
	return len(e.streamRefs) == 0 && len(e.sessionStreamRefs) == 0 && e.imageCount == 0
}

func (e *ReceiveChannelEndpoint) closeIndicators() {
	e.statusCounter.Set(ChannelStatusClosing)
	e.statusCounter.Close()
	e.localAddressCounter.Close()
}

// matchesStream reports whether the endpoint dispatches the stream with the
// given session, honoring both filtered and unfiltered refs
func (e *ReceiveChannelEndpoint) matchesStream(streamID, sessionID int32) bool {
	if _, ok := e.streamRefs[streamID]; ok {
		return true
	}
	_, ok := e.sessionStreamRefs[sessionStreamKey{sessionID: sessionID, streamID: streamID}]
	return ok
}

// entityTagOf parses the entity tag of a URI, when present
func entityTagOf(uri *channel.URI) (int64, bool, error) {
	raw, ok := uri.EntityTag()
	if !ok {
		return 0, false, nil
	}
	var tag int64
	if _, err := fmt.Sscanf(raw, "%d", &tag); err != nil {
		return 0, false, NewDriverError(command.ErrInvalidChannel, "invalid channel tag %q", raw)
	}
	return tag, true, nil
}

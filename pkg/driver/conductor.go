package driver

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strand/pkg/clock"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/config"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/log"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

const epochClockRefreshInterval = time.Millisecond

// TerminationValidator authorizes a TerminateDriver token
type TerminationValidator func(token []byte) bool

// Conductor is the single-threaded control-plane agent of the driver. It
// owns every registry; all mutations happen on the thread that calls
// DoWork.
type Conductor struct {
	cfg    *config.Config
	logger zerolog.Logger

	nanoClock   clock.NanoClock
	epochClock  clock.EpochClock
	cachedNano  *clock.CachedNanoClock
	cachedEpoch *clock.CachedEpochClock

	countersManager *counters.Manager
	logFactory      logbuffer.Factory
	systemCounters  *systemCounters

	toDriver       command.RingBuffer
	clientProxy    *ClientProxy
	senderProxy    *SenderProxy
	receiverProxy  *ReceiverProxy
	conductorProxy *DriverConductorProxy
	nameResolver   NameResolver

	terminationValidator TerminationValidator
	terminationHook      func()

	nextID             int64
	sessionIDAllocator *sessionIDAllocator

	clients             []*AeronClient
	publicationLinks    []*PublicationLink
	networkPublications []*NetworkPublication
	subscriptionLinks   []*SubscriptionLink
	publicationImages   []*PublicationImage
	ipcPublications     []*IpcPublication
	counterLinks        []*CounterLink

	sendEndpoints    map[string]*SendChannelEndpoint
	receiveEndpoints map[string]*ReceiveChannelEndpoint
	activeSessionSet map[SessionKey]struct{}

	timerDeadlineNs        int64
	epochRefreshDeadlineNs int64

	lastConsumerPosition         int64
	timeOfLastConsumerPositionNs int64
}

// Options carries the collaborators the conductor does not own
type Options struct {
	Config               *config.Config
	NanoClock            clock.NanoClock
	EpochClock           clock.EpochClock
	CountersManager      *counters.Manager
	LogFactory           logbuffer.Factory
	ToDriver             command.RingBuffer
	ToClients            command.Transmitter
	SenderProxy          *SenderProxy
	ReceiverProxy        *ReceiverProxy
	NameResolver         NameResolver
	TerminationValidator TerminationValidator
	TerminationHook      func()
}

// NewConductor creates a conductor over the given collaborators
func NewConductor(opts Options) (*Conductor, error) {
	sc, err := newSystemCounters(opts.CountersManager)
	if err != nil {
		return nil, err
	}

	resolver := opts.NameResolver
	if resolver == nil {
		resolver = DefaultNameResolver{}
	}

	c := &Conductor{
		cfg:             opts.Config,
		logger:          log.WithComponent("conductor"),
		nanoClock:       opts.NanoClock,
		epochClock:      opts.EpochClock,
		cachedNano:      &clock.CachedNanoClock{},
		cachedEpoch:     &clock.CachedEpochClock{},
		countersManager: opts.CountersManager,
		logFactory:      opts.LogFactory,
		systemCounters:  sc,
		toDriver:        opts.ToDriver,
		clientProxy:     NewClientProxy(opts.ToClients),
		senderProxy:     opts.SenderProxy,
		receiverProxy:   opts.ReceiverProxy,
		conductorProxy:  newDriverConductorProxy(opts.Config.CommandDrainLimit * 8),
		nameResolver:    resolver,

		terminationValidator: opts.TerminationValidator,
		terminationHook:      opts.TerminationHook,

		nextID: 1,
		sessionIDAllocator: newSessionIDAllocator(
			opts.Config.PublicationReservedSessionIDLow,
			opts.Config.PublicationReservedSessionIDHigh),

		sendEndpoints:    make(map[string]*SendChannelEndpoint),
		receiveEndpoints: make(map[string]*ReceiveChannelEndpoint),
		activeSessionSet: make(map[SessionKey]struct{}),
	}
	return c, nil
}

// Proxy returns the handle the sender and receiver use to post
// conductor-thread work
func (c *Conductor) Proxy() *DriverConductorProxy {
	return c.conductorProxy
}

// CachedNanoClock exposes the clock the conductor refreshes each tick
func (c *Conductor) CachedNanoClock() clock.NanoClock {
	return c.cachedNano
}

// CachedEpochClock exposes the epoch clock refreshed at bounded cadence
func (c *Conductor) CachedEpochClock() clock.EpochClock {
	return c.cachedEpoch
}

// RoleName identifies the agent to the scheduler
func (c *Conductor) RoleName() string {
	return "driver-conductor"
}

// OnStart primes the clocks and timer deadlines
func (c *Conductor) OnStart() {
	nowNs := c.nanoClock.NanoTime()
	c.cachedNano.Update(nowNs)
	c.cachedEpoch.Update(c.epochClock.Time())
	c.timerDeadlineNs = nowNs + c.cfg.TimerInterval.Nanoseconds()
	c.epochRefreshDeadlineNs = nowNs + epochClockRefreshInterval.Nanoseconds()
	c.timeOfLastConsumerPositionNs = nowNs
	c.lastConsumerPosition = c.toDriver.ConsumerPosition()
	c.logger.Info().Str("dir", c.cfg.Dir).Msg("Conductor started")
}

// DoWork runs one duty cycle. The step order is contractual: clocks, timer,
// internal queue, client commands, position tracking, name resolution.
func (c *Conductor) DoWork() int {
	work := 0
	timer := metrics.NewTimer()

	nowNs := c.nanoClock.NanoTime()
	c.cachedNano.Update(nowNs)
	if nowNs >= c.epochRefreshDeadlineNs {
		c.cachedEpoch.Update(c.epochClock.Time())
		c.epochRefreshDeadlineNs = nowNs + epochClockRefreshInterval.Nanoseconds()
	}
	nowMs := c.cachedEpoch.Time()

	if nowNs >= c.timerDeadlineNs {
		c.heartbeat(nowNs, nowMs)
		for c.timerDeadlineNs <= nowNs {
			c.timerDeadlineNs += c.cfg.TimerInterval.Nanoseconds()
		}
		work++
	}

	work += c.conductorProxy.queue.Drain(func(e conductorEvent) { e.apply(c) }, c.cfg.CommandDrainLimit)

	if c.senderProxy.IsApplyingBackpressure() || c.receiverProxy.IsApplyingBackpressure() {
		metrics.BackPressureEventsTotal.Inc()
	} else {
		work += c.toDriver.Read(c.onCommand, c.cfg.ClientCommandLimit)
	}

	work += c.trackStreamPositions(nowNs)
	work += c.nameResolver.DoWork(nowMs)

	timer.ObserveDuration(metrics.DutyCycleDuration)
	metrics.WorkCyclesTotal.Inc()
	return work
}

// OnClose releases every live resource
func (c *Conductor) OnClose() {
	for _, img := range c.publicationImages {
		img.Free()
	}
	for _, pub := range c.networkPublications {
		pub.Free()
	}
	for _, pub := range c.ipcPublications {
		pub.Free()
	}
	for _, endpoint := range c.sendEndpoints {
		endpoint.closeIndicators()
	}
	for _, endpoint := range c.receiveEndpoints {
		endpoint.closeIndicators()
	}
	c.logger.Info().Msg("Conductor closed")
}

func (c *Conductor) trackStreamPositions(nowNs int64) int {
	work := 0
	for _, img := range c.publicationImages {
		work += img.trackRebuild(nowNs)
	}
	for _, pub := range c.networkPublications {
		work += pub.updatePublisherLimit()
	}
	for _, pub := range c.ipcPublications {
		work += pub.updatePublisherLimit()
	}
	return work
}

// heartbeat runs the liveness pass: consumer heartbeat, ordered registry
// sweeps, and blocked-ingress detection
func (c *Conductor) heartbeat(nowNs, nowMs int64) {
	c.systemCounters.heartbeats.Increment()
	metrics.HeartbeatsTotal.Inc()

	c.toDriver.SetConsumerHeartbeatTime(nowMs)

	c.clients = checkManagedResources(c.clients, nowNs, nowMs, c)
	c.publicationLinks = checkManagedResources(c.publicationLinks, nowNs, nowMs, c)
	c.networkPublications = checkManagedResources(c.networkPublications, nowNs, nowMs, c)
	c.subscriptionLinks = checkManagedResources(c.subscriptionLinks, nowNs, nowMs, c)
	c.publicationImages = checkManagedResources(c.publicationImages, nowNs, nowMs, c)
	c.ipcPublications = checkManagedResources(c.ipcPublications, nowNs, nowMs, c)
	c.counterLinks = checkManagedResources(c.counterLinks, nowNs, nowMs, c)

	c.checkForBlockedToDriver(nowNs)
}

func (c *Conductor) checkForBlockedToDriver(nowNs int64) {
	consumerPosition := c.toDriver.ConsumerPosition()
	if consumerPosition != c.lastConsumerPosition {
		c.lastConsumerPosition = consumerPosition
		c.timeOfLastConsumerPositionNs = nowNs
		return
	}

	if c.toDriver.ProducerPosition() > consumerPosition &&
		nowNs-c.timeOfLastConsumerPositionNs > c.cfg.ClientLivenessTimeout.Nanoseconds() {
		if c.toDriver.Unblock() {
			c.systemCounters.unblockedCommands.Increment()
			metrics.UnblockedCommandsTotal.Inc()
			c.timeOfLastConsumerPositionNs = nowNs
		}
	}
}

// nextRegistrationID mints a conductor-generated id; ids are strictly
// increasing for the life of the driver instance
func (c *Conductor) nextRegistrationID() int64 {
	id := c.nextID
	c.nextID++
	return id
}

// nextInitialTermID randomizes the starting term of a new publication
func (c *Conductor) nextInitialTermID() int32 {
	return rand.Int31()
}

// getOrAddClient finds the client record, creating it on first contact
func (c *Conductor) getOrAddClient(clientID int64) (*AeronClient, error) {
	for _, client := range c.clients {
		if client.ClientID() == clientID {
			return client, nil
		}
	}

	id, err := c.countersManager.Allocate(CounterTypeClientHeartbeat,
		clientHeartbeatLabel(clientID), nil, clientID, counters.DefaultRegistrationID)
	if err != nil {
		return nil, NewDriverError(errCodeInternal, "failed to allocate client heartbeat: %v", err)
	}

	nowNs := c.cachedNano.NanoTime()
	nowMs := c.cachedEpoch.Time()
	client := newAeronClient(clientID, nowMs, nowNs,
		c.cfg.ClientLivenessTimeout.Nanoseconds(), counters.NewCounter(c.countersManager, id))
	c.clients = append(c.clients, client)
	observeClientAdded()
	c.logger.Debug().Int64("client_id", clientID).Msg("Client connected")
	return client, nil
}

// onClientRemoved runs from the heartbeat sweep, which owns the registry
// compaction; only the announcement happens here
func (c *Conductor) onClientRemoved(client *AeronClient) {
	observeClientRemoved()
	if !client.closedByCommand {
		c.systemCounters.clientTimeouts.Increment()
		metrics.ClientTimeoutsTotal.Inc()
		c.clientProxy.OnClientTimeout(client.ClientID())
	}
}

// onNetworkPublicationClosed finishes a publication's Done transition:
// spies are notified before any teardown, then the session key and
// endpoint reference are released.
func (c *Conductor) onNetworkPublicationClosed(p *NetworkPublication) {
	for _, sp := range p.spyPositions {
		c.clientProxy.OnUnavailableImage(p.registrationID, sp.link.RegistrationID(),
			p.streamID, sp.link.Channel())
		sp.link.removeSource(p.registrationID)
		sp.close()
	}
	p.spyPositions = nil

	delete(c.activeSessionSet, p.sessionKey())
	c.senderProxy.Offer(RemoveNetworkPublicationMessage{Publication: p})

	endpoint := p.endpoint
	endpoint.decRef()
	if endpoint.ShouldBeClosed() {
		c.closeSendEndpoint(endpoint)
	}
	c.logger.Debug().
		Int64("registration_id", p.registrationID).
		Int32("session_id", p.sessionID).
		Int32("stream_id", p.streamID).
		Msg("Network publication closed")
}

func (c *Conductor) onIpcPublicationClosed(p *IpcPublication) {
	for _, sp := range p.subscriberPositions {
		c.clientProxy.OnUnavailableImage(p.registrationID, sp.link.RegistrationID(),
			p.streamID, sp.link.Channel())
		sp.link.removeSource(p.registrationID)
		sp.close()
	}
	p.subscriberPositions = nil

	delete(c.activeSessionSet, p.sessionKey())
	c.logger.Debug().
		Int64("registration_id", p.registrationID).
		Int32("session_id", p.sessionID).
		Int32("stream_id", p.streamID).
		Msg("IPC publication closed")
}

// onImageClosed finishes an image's Done transition: subscribers are
// notified before the endpoint image reference is released.
func (c *Conductor) onImageClosed(img *PublicationImage) {
	for _, sp := range img.subscriberPositions {
		c.clientProxy.OnUnavailableImage(img.correlationID, sp.link.RegistrationID(),
			img.streamID, img.endpoint.OriginalChannel())
		sp.link.removeSource(img.correlationID)
		sp.close()
	}
	img.subscriberPositions = nil

	endpoint := img.endpoint
	endpoint.decImages()
	if endpoint.ShouldBeClosed() {
		c.closeReceiveEndpoint(endpoint)
	}
	c.logger.Debug().
		Int64("correlation_id", img.correlationID).
		Int32("session_id", img.sessionID).
		Int32("stream_id", img.streamID).
		Msg("Image closed")
}

// cleanupSubscriptionLink detaches a subscription from its sources and
// releases its endpoint references. No image notifications are emitted for
// a subscriber that removed itself.
func (c *Conductor) cleanupSubscriptionLink(l *SubscriptionLink) {
	if l.closed {
		return
	}
	l.closed = true
	l.unlinkAll()

	// MDS destinations die with their anchor; the heartbeat sweep compacts
	// them out of the registry
	for _, destination := range l.destinations {
		destination.reachedEndOfLife = true
		c.cleanupSubscriptionLink(destination)
	}
	l.destinations = nil

	if l.kind == subNetwork && l.endpoint != nil {
		endpoint := l.endpoint
		var remaining int
		if l.HasSessionID() {
			remaining = endpoint.decRefToStreamAndSession(l.streamID, l.SessionID())
		} else {
			remaining = endpoint.decRefToStream(l.streamID)
		}
		if remaining == 0 {
			c.receiverProxy.Offer(RemoveSubscriptionMessage{
				Endpoint:   endpoint,
				StreamID:   l.streamID,
				SessionID:  l.SessionID(),
				HasSession: l.HasSessionID(),
			})
		}
		if endpoint.ShouldBeClosed() {
			c.closeReceiveEndpoint(endpoint)
		}
	}
	metrics.SubscriptionsTotal.WithLabelValues(l.kind.String()).Dec()
}

func (c *Conductor) removeFromSubscriptionLinks(l *SubscriptionLink) {
	for i, existing := range c.subscriptionLinks {
		if existing == l {
			c.subscriptionLinks = append(c.subscriptionLinks[:i], c.subscriptionLinks[i+1:]...)
			return
		}
	}
}

func (c *Conductor) closeSendEndpoint(endpoint *SendChannelEndpoint) {
	c.senderProxy.Offer(CloseSendEndpointMessage{Endpoint: endpoint})
	delete(c.sendEndpoints, c.sendEndpointKey(endpoint))
	endpoint.closeIndicators()
	metrics.ChannelEndpointsTotal.WithLabelValues("send").Dec()
	c.logger.Debug().Str("channel", endpoint.CanonicalForm()).Msg("Send endpoint closed")
}

func (c *Conductor) closeReceiveEndpoint(endpoint *ReceiveChannelEndpoint) {
	c.receiverProxy.Offer(CloseReceiveEndpointMessage{Endpoint: endpoint})
	delete(c.receiveEndpoints, c.receiveEndpointKey(endpoint))
	endpoint.closeIndicators()
	metrics.ChannelEndpointsTotal.WithLabelValues("receive").Dec()
	c.logger.Debug().Str("channel", endpoint.CanonicalForm()).Msg("Receive endpoint closed")
}

func (c *Conductor) sendEndpointKey(endpoint *SendChannelEndpoint) string {
	return endpointRegistryKey(endpoint.canonicalForm, endpoint.hasTag, endpoint.tag)
}

func (c *Conductor) receiveEndpointKey(endpoint *ReceiveChannelEndpoint) string {
	return endpointRegistryKey(endpoint.canonicalForm, endpoint.hasTag, endpoint.tag)
}

// endpointRegistryKey separates identically addressed endpoints whose tags
// differ: both tagged with different tags must not collide, everything
// else shares the canonical form.
func endpointRegistryKey(canonicalForm string, hasTag bool, tag int64) string {
	if hasTag {
		return canonicalForm + "#tag=" + strconv.FormatInt(tag, 10)
	}
	return canonicalForm
}

// onChannelEndpointError records a socket-layer failure against its status
// indicator
func (c *Conductor) onChannelEndpointError(e ChannelEndpointErrorEvent) {
	c.systemCounters.errors.Increment()
	metrics.ErrorsTotal.WithLabelValues(command.ErrChannelEndpoint.String()).Inc()
	c.countersManager.SetValue(e.StatusIndicatorID, ChannelStatusErrored)
	c.logger.Error().
		Err(e.Err).
		Int32("status_indicator_id", e.StatusIndicatorID).
		Msg("Channel endpoint error")
}

// onReResolveEndpoint re-resolves a send endpoint name; an unchanged
// address is a no-op, a changed one posts exactly one resolution change
func (c *Conductor) onReResolveEndpoint(e ReResolveEndpointEvent) {
	addr, err := c.nameResolver.ResolveEndpoint(e.Endpoint)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", e.Endpoint).Msg("Endpoint re-resolution failed")
		return
	}
	if e.PrevAddress != nil && addr.IP.Equal(e.PrevAddress.IP) && addr.Port == e.PrevAddress.Port {
		return
	}
	c.senderProxy.Offer(ResolutionChangeMessage{Endpoint: e.SendEndpoint, Name: e.Endpoint, Address: addr})
}

// onReResolveControl re-resolves a receive control name with the same
// no-op-on-unchanged contract
func (c *Conductor) onReResolveControl(e ReResolveControlEvent) {
	addr, err := c.nameResolver.ResolveControl(e.Control)
	if err != nil {
		c.logger.Warn().Err(err).Str("control", e.Control).Msg("Control re-resolution failed")
		return
	}
	if e.PrevAddress != nil && addr.IP.Equal(e.PrevAddress.IP) && addr.Port == e.PrevAddress.Port {
		return
	}
	c.receiverProxy.Offer(RcvResolutionChangeMessage{Endpoint: e.ReceiveEndpoint, Name: e.Control, Address: addr})
}

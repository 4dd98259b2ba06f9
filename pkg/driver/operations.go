package driver

import (
	"fmt"
	"net"

	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/congestion"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/flowcontrol"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

func (c *Conductor) allocateChannelIndicators(typeID int32, name, canonicalForm string) (*counters.Counter, *counters.Counter, error) {
	statusID, err := c.countersManager.Allocate(typeID,
		fmt.Sprintf("%s: %s", name, canonicalForm), nil,
		counters.DefaultOwnerID, counters.DefaultRegistrationID)
	if err != nil {
		return nil, nil, NewDriverError(errCodeInternal, "failed to allocate channel status: %v", err)
	}
	status := counters.NewCounter(c.countersManager, statusID)

	addrID, err := c.countersManager.Allocate(CounterTypeLocalSocketAddress,
		fmt.Sprintf("local-address: %s", canonicalForm), nil,
		counters.DefaultOwnerID, counters.DefaultRegistrationID)
	if err != nil {
		status.Close()
		return nil, nil, NewDriverError(errCodeInternal, "failed to allocate local address: %v", err)
	}
	return status, counters.NewCounter(c.countersManager, addrID), nil
}

// getOrCreateSendEndpoint resolves the endpoint for a publication channel.
// A tagged URI is matched by tag before the canonical form is consulted.
func (c *Conductor) getOrCreateSendEndpoint(uri *channel.URI, raw string) (*SendChannelEndpoint, bool, error) {
	tag, hasTag, err := entityTagOf(uri)
	if err != nil {
		return nil, false, err
	}

	if hasTag {
		for _, endpoint := range c.sendEndpoints {
			if endpoint.hasTag && endpoint.tag == tag {
				return endpoint, false, nil
			}
		}
	}

	canonicalForm := uri.CanonicalForm()
	key := endpointRegistryKey(canonicalForm, hasTag, tag)
	if endpoint, ok := c.sendEndpoints[key]; ok {
		return endpoint, false, nil
	}

	status, localAddr, err := c.allocateChannelIndicators(CounterTypeSendChannelStatus, "snd-channel", canonicalForm)
	if err != nil {
		return nil, false, err
	}

	endpoint := &SendChannelEndpoint{
		uri:                 uri,
		originalChannel:     raw,
		canonicalForm:       canonicalForm,
		hasTag:              hasTag,
		tag:                 tag,
		statusCounter:       status,
		localAddressCounter: localAddr,
	}
	endpoint.statusCounter.Set(ChannelStatusActive)
	c.sendEndpoints[key] = endpoint
	c.senderProxy.Offer(RegisterSendEndpointMessage{Endpoint: endpoint})
	metrics.ChannelEndpointsTotal.WithLabelValues("send").Inc()
	return endpoint, true, nil
}

// getOrCreateReceiveEndpoint resolves the endpoint for a subscription
// channel, validating option compatibility when the endpoint is shared
func (c *Conductor) getOrCreateReceiveEndpoint(uri *channel.URI, raw string,
	params *channel.SubscriptionParams) (*ReceiveChannelEndpoint, bool, error) {

	tag, hasTag, err := entityTagOf(uri)
	if err != nil {
		return nil, false, err
	}

	if hasTag {
		for _, endpoint := range c.receiveEndpoints {
			if endpoint.hasTag && endpoint.tag == tag {
				if err := endpoint.validateCompatibility(params); err != nil {
					return nil, false, err
				}
				return endpoint, false, nil
			}
		}
	}

	canonicalForm := uri.CanonicalForm()
	key := endpointRegistryKey(canonicalForm, hasTag, tag)
	if endpoint, ok := c.receiveEndpoints[key]; ok {
		if err := endpoint.validateCompatibility(params); err != nil {
			return nil, false, err
		}
		return endpoint, false, nil
	}

	status, localAddr, err := c.allocateChannelIndicators(CounterTypeRecvChannelStatus, "rcv-channel", canonicalForm)
	if err != nil {
		return nil, false, err
	}

	endpoint := &ReceiveChannelEndpoint{
		uri:             uri,
		originalChannel: raw,
		canonicalForm:   canonicalForm,
		hasTag:          hasTag,
		tag:             tag,
		statusCounter:   status,
		localAddressCounter: localAddr,
		params: endpointParams{
			isReliable:         params.IsReliable,
			isRejoin:           params.IsRejoin,
			socketRcvbufLength: params.SocketRcvbufLength,
			socketSndbufLength: params.SocketSndbufLength,
			hasRcvTimestamp:    params.HasRcvTimestamp,
			rcvTimestampOffset: params.RcvTimestampOffset,
		},
		streamRefs:        make(map[int32]int),
		sessionStreamRefs: make(map[sessionStreamKey]int),
	}
	endpoint.statusCounter.Set(ChannelStatusActive)
	c.receiveEndpoints[key] = endpoint
	c.receiverProxy.Offer(RegisterReceiveEndpointMessage{Endpoint: endpoint})
	metrics.ChannelEndpointsTotal.WithLabelValues("receive").Inc()
	return endpoint, true, nil
}

func (c *Conductor) onAddNetworkPublication(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string, isExclusive bool) error {

	params, err := channel.DerivePublicationParams(uri, c.cfg, isExclusive, false)
	if err != nil {
		return InvalidChannel(err)
	}

	endpoint, endpointCreated, err := c.getOrCreateSendEndpoint(uri, raw)
	if err != nil {
		return err
	}
	cleanupEndpoint := func() {
		if endpointCreated && endpoint.ShouldBeClosed() {
			c.closeSendEndpoint(endpoint)
		}
	}

	if !isExclusive {
		for _, pub := range c.networkPublications {
			if pub.endpoint == endpoint && pub.streamID == streamID &&
				!pub.IsExclusive() && pub.state == pubActive {
				if err := pub.matches(params); err != nil {
					return err
				}
				c.linkPublication(client, correlationID, pub)
				c.clientProxy.OnPublicationReady(correlationID, pub.registrationID,
					pub.sessionID, pub.streamID, pub.publisherLimit.ID(),
					endpoint.StatusCounterID(), false, pub.rawLog.FileName())
				return nil
			}
		}
	}

	sessionID, err := c.resolveSessionID(params, streamID, endpoint.CanonicalForm())
	if err != nil {
		cleanupEndpoint()
		return err
	}

	initialTermID := c.nextInitialTermID()
	if params.HasPosition {
		initialTermID = params.InitialTermID
	}

	registrationID := correlationID
	rawLog, err := c.newPublicationLog(c.logFactory.NewPublicationLog, registrationID, initialTermID, params)
	if err != nil {
		cleanupEndpoint()
		return err
	}

	positionBits := logbuffer.PositionBitsToShift(params.TermLength)
	pub := &NetworkPublication{
		registrationID: registrationID,
		sessionID:      sessionID,
		streamID:       streamID,
		channel:        raw,
		endpoint:       endpoint,
		rawLog:         rawLog,
		params:         params,

		initialTermID:       initialTermID,
		termLength:          params.TermLength,
		mtuLength:           params.MTULength,
		positionBitsToShift: positionBits,
		termWindowLength:    params.TermLength / 2,

		state:           pubActive,
		lingerTimeoutNs: c.publicationLingerNs(params),
		untetheredWindowLimitTimeoutNs: c.cfg.UntetheredWindowLimitTimeout.Nanoseconds(),
		untetheredRestingTimeoutNs:     c.cfg.UntetheredRestingTimeout.Nanoseconds(),
		isExclusive:             isExclusive,
		spiesSimulateConnection: params.SpiesSimulateConnection,
		timeOfLastActivityNs:    c.cachedNano.NanoTime(),
	}

	allocated := make([]*counters.Counter, 0, 5)
	fail := func(err error) error {
		for _, counter := range allocated {
			counter.Close()
		}
		rawLog.Delete()
		cleanupEndpoint()
		return err
	}
	for _, alloc := range []struct {
		typeID int32
		name   string
		target **counters.Counter
	}{
		{CounterTypePublisherPosition, "pub-pos", &pub.publisherPosition},
		{CounterTypePublisherLimit, "pub-lmt", &pub.publisherLimit},
		{CounterTypeSenderPosition, "snd-pos", &pub.senderPosition},
		{CounterTypeSenderLimit, "snd-lmt", &pub.senderLimit},
		{CounterTypeSenderBpe, "snd-bpe", &pub.senderBpe},
	} {
		counter, err := allocateStreamCounter(c.countersManager, alloc.typeID, alloc.name,
			registrationID, sessionID, streamID, raw)
		if err != nil {
			return fail(err)
		}
		allocated = append(allocated, counter)
		*alloc.target = counter
	}

	if params.HasPosition {
		position := logbuffer.ComputePosition(params.TermID, params.TermOffset, positionBits, initialTermID)
		pub.publisherPosition.Set(position)
		pub.publisherLimit.Set(position)
		pub.senderPosition.Set(position)
		pub.senderLimit.Set(position)
	}

	pub.flowControl = flowcontrol.Select(uri, c.cfg.ImageLivenessTimeout.Nanoseconds())
	pub.flowControl.Initialize(initialTermID, params.TermLength)
	pub.retransmitHandler = NewRetransmitHandler(
		congestion.SelectDelayGenerator(channel.Infer, uri.IsMulticast()))

	c.networkPublications = append(c.networkPublications, pub)
	endpoint.incRef()
	metrics.NetworkPublicationsTotal.Inc()
	c.activeSessionSet[pub.sessionKey()] = struct{}{}
	c.senderProxy.Offer(NewNetworkPublicationMessage{Publication: pub})

	c.linkPublication(client, correlationID, pub)
	c.clientProxy.OnPublicationReady(correlationID, registrationID, sessionID, streamID,
		pub.publisherLimit.ID(), endpoint.StatusCounterID(), isExclusive, rawLog.FileName())

	c.linkSpies(pub)

	c.logger.Debug().
		Int64("registration_id", registrationID).
		Int32("session_id", sessionID).
		Int32("stream_id", streamID).
		Str("channel", raw).
		Msg("Network publication created")
	return nil
}

func (c *Conductor) onAddIpcPublication(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string, isExclusive bool) error {

	params, err := channel.DerivePublicationParams(uri, c.cfg, isExclusive, true)
	if err != nil {
		return InvalidChannel(err)
	}

	if !isExclusive {
		for _, pub := range c.ipcPublications {
			if pub.streamID == streamID && !pub.IsExclusive() && pub.state == pubActive {
				if err := pub.matches(params); err != nil {
					return err
				}
				c.linkPublication(client, correlationID, pub)
				c.clientProxy.OnPublicationReady(correlationID, pub.registrationID,
					pub.sessionID, pub.streamID, pub.publisherLimit.ID(), 0, false, pub.rawLog.FileName())
				return nil
			}
		}
	}

	sessionID, err := c.resolveSessionID(params, streamID, channel.IpcChannel)
	if err != nil {
		return err
	}

	initialTermID := c.nextInitialTermID()
	if params.HasPosition {
		initialTermID = params.InitialTermID
	}

	registrationID := correlationID
	rawLog, err := c.newPublicationLog(c.logFactory.NewPublicationLog, registrationID, initialTermID, params)
	if err != nil {
		return err
	}

	positionBits := logbuffer.PositionBitsToShift(params.TermLength)
	pub := &IpcPublication{
		registrationID: registrationID,
		sessionID:      sessionID,
		streamID:       streamID,
		channel:        raw,
		rawLog:         rawLog,
		params:         params,

		initialTermID:       initialTermID,
		termLength:          params.TermLength,
		mtuLength:           params.MTULength,
		positionBitsToShift: positionBits,
		termWindowLength:    params.TermLength / 2,

		state:           pubActive,
		lingerTimeoutNs: c.publicationLingerNs(params),
		untetheredWindowLimitTimeoutNs: c.cfg.UntetheredWindowLimitTimeout.Nanoseconds(),
		untetheredRestingTimeoutNs:     c.cfg.UntetheredRestingTimeout.Nanoseconds(),
		isExclusive:          isExclusive,
		timeOfLastActivityNs: c.cachedNano.NanoTime(),
	}

	pubPos, err := allocateStreamCounter(c.countersManager, CounterTypePublisherPosition,
		"pub-pos", registrationID, sessionID, streamID, raw)
	if err != nil {
		rawLog.Delete()
		return err
	}
	pubLmt, err := allocateStreamCounter(c.countersManager, CounterTypePublisherLimit,
		"pub-lmt", registrationID, sessionID, streamID, raw)
	if err != nil {
		pubPos.Close()
		rawLog.Delete()
		return err
	}
	pub.publisherPosition = pubPos
	pub.publisherLimit = pubLmt

	if params.HasPosition {
		position := logbuffer.ComputePosition(params.TermID, params.TermOffset, positionBits, initialTermID)
		pub.publisherPosition.Set(position)
		pub.publisherLimit.Set(position)
	}

	c.ipcPublications = append(c.ipcPublications, pub)
	metrics.IpcPublicationsTotal.Inc()
	c.activeSessionSet[pub.sessionKey()] = struct{}{}

	c.linkPublication(client, correlationID, pub)
	c.clientProxy.OnPublicationReady(correlationID, registrationID, sessionID, streamID,
		pub.publisherLimit.ID(), 0, isExclusive, rawLog.FileName())

	c.linkIpcSubscribers(pub)

	c.logger.Debug().
		Int64("registration_id", registrationID).
		Int32("session_id", sessionID).
		Int32("stream_id", streamID).
		Msg("IPC publication created")
	return nil
}

func (c *Conductor) linkPublication(client *AeronClient, correlationID int64, pub publicationReference) {
	pub.incRef()
	c.publicationLinks = append(c.publicationLinks, newPublicationLink(correlationID, client, pub))
}

func (c *Conductor) resolveSessionID(params *channel.PublicationParams, streamID int32, canonicalChannel string) (int32, error) {
	if params.HasSessionID {
		key := SessionKey{SessionID: params.SessionID, StreamID: streamID, Channel: canonicalChannel}
		if _, clash := c.activeSessionSet[key]; clash {
			return 0, NewDriverError(command.ErrInvalidChannel,
				"session clash: session-id=%d already active on stream %d", params.SessionID, streamID)
		}
		return params.SessionID, nil
	}
	return c.sessionIDAllocator.Allocate(streamID, canonicalChannel, c.activeSessionSet), nil
}

func (c *Conductor) publicationLingerNs(params *channel.PublicationParams) int64 {
	if params.HasLinger {
		return params.LingerTimeout.Nanoseconds()
	}
	return c.cfg.PublicationLingerTimeout.Nanoseconds()
}

// newPublicationLog creates and initializes a term log, seeding the tails
// for either a fresh stream or an explicit starting position
func (c *Conductor) newPublicationLog(create func(int64, int32, bool) (*logbuffer.RawLog, error),
	registrationID int64, initialTermID int32, params *channel.PublicationParams) (*logbuffer.RawLog, error) {

	rawLog, err := create(registrationID, params.TermLength, params.IsSparse)
	if err != nil {
		return nil, NewDriverError(errCodeInternal, "failed to create log: %v", err)
	}

	meta := rawLog.Meta()
	logbuffer.InitMetaData(meta, registrationID, initialTermID, params.MTULength,
		params.TermLength, c.cfg.FilePageSize)

	if params.HasPosition {
		termCount := params.TermID - initialTermID
		activeIndex := logbuffer.IndexByTermCount(termCount)
		logbuffer.InitialiseTailWithTermID(meta, int(activeIndex), params.TermID, params.TermOffset)
		logbuffer.SetActiveTermCount(meta, termCount)
	} else {
		logbuffer.InitialiseTailWithTermID(meta, 0, initialTermID, 0)
	}
	return rawLog, nil
}

func (c *Conductor) onRemovePublication(client *AeronClient, correlationID, registrationID int64) error {
	for i, link := range c.publicationLinks {
		if link.registrationID == registrationID && link.client == client {
			c.publicationLinks = append(c.publicationLinks[:i], c.publicationLinks[i+1:]...)
			link.close()
			c.clientProxy.OperationSucceeded(correlationID)
			return nil
		}
	}
	return NewDriverError(command.ErrUnknownPublication,
		"unknown publication: registration-id=%d", registrationID)
}

func (c *Conductor) onAddSubscription(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string) error {

	params, err := channel.DeriveSubscriptionParams(uri, c.cfg)
	if err != nil {
		return InvalidChannel(err)
	}

	switch {
	case uri.IsSpy():
		return c.addSpySubscription(client, correlationID, streamID, uri, raw, params, nil)
	case uri.IsIPC():
		return c.addIpcSubscription(client, correlationID, streamID, uri, raw, params, nil)
	default:
		return c.addNetworkSubscription(client, correlationID, streamID, uri, raw, params, nil)
	}
}

func (c *Conductor) addNetworkSubscription(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string, params *channel.SubscriptionParams,
	parent *SubscriptionLink) error {

	endpoint, _, err := c.getOrCreateReceiveEndpoint(uri, raw, params)
	if err != nil {
		return err
	}

	link := newSubscriptionLink(correlationID, streamID, uri, raw, client, params, subNetwork)
	link.endpoint = endpoint
	link.parent = parent
	c.subscriptionLinks = append(c.subscriptionLinks, link)

	var count int
	if params.HasSessionID {
		count = endpoint.incRefToStreamAndSession(streamID, params.SessionID)
	} else {
		count = endpoint.incRefToStream(streamID)
	}
	if count == 1 {
		c.receiverProxy.Offer(AddSubscriptionMessage{
			Endpoint:   endpoint,
			StreamID:   streamID,
			SessionID:  params.SessionID,
			HasSession: params.HasSessionID,
		})
	}

	if parent == nil {
		c.clientProxy.OnSubscriptionReady(correlationID, endpoint.StatusCounterID())
	}

	for _, img := range c.publicationImages {
		if img.Endpoint() == endpoint && img.StreamID() == streamID && img.IsAcceptingSubscribers() &&
			(!params.HasSessionID || params.SessionID == img.SessionID()) {
			if err := c.linkImageToSubscription(img, link); err != nil {
				c.logger.Error().Err(err).Msg("Failed to link existing image")
			}
		}
	}
	return nil
}

func (c *Conductor) addIpcSubscription(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string, params *channel.SubscriptionParams,
	parent *SubscriptionLink) error {

	link := newSubscriptionLink(correlationID, streamID, uri, raw, client, params, subIpc)
	link.parent = parent
	c.subscriptionLinks = append(c.subscriptionLinks, link)

	if parent == nil {
		c.clientProxy.OnSubscriptionReady(correlationID, 0)
	}

	for _, pub := range c.ipcPublications {
		if link.matchesIpc(pub) && pub.IsAcceptingSubscriptions() {
			c.linkIpcPublicationToSubscription(pub, link)
		}
	}
	return nil
}

func (c *Conductor) addSpySubscription(client *AeronClient, correlationID int64,
	streamID int32, uri *channel.URI, raw string, params *channel.SubscriptionParams,
	parent *SubscriptionLink) error {

	link := newSubscriptionLink(correlationID, streamID, uri, raw, client, params, subSpy)
	link.parent = parent
	c.subscriptionLinks = append(c.subscriptionLinks, link)

	if parent == nil {
		c.clientProxy.OnSubscriptionReady(correlationID, 0)
	}

	for _, pub := range c.networkPublications {
		if link.matchesSpy(pub) && pub.IsAcceptingSubscriptions() {
			c.linkSpyToPublication(pub, link)
		}
	}
	return nil
}

func (c *Conductor) onRemoveSubscription(client *AeronClient, correlationID, registrationID int64) error {
	for _, link := range c.subscriptionLinks {
		if link.registrationID == registrationID && link.client == client && link.parent == nil {
			c.removeFromSubscriptionLinks(link)
			c.cleanupSubscriptionLink(link)
			c.clientProxy.OperationSucceeded(correlationID)
			return nil
		}
	}
	return NewDriverError(command.ErrUnknownSubscription,
		"unknown subscription: registration-id=%d", registrationID)
}

func (c *Conductor) newSubscriberPosition(link *SubscriptionLink, sessionID, streamID int32,
	joinPosition int64, channelString string) (*SubscriberPosition, error) {

	counter, err := allocateStreamCounter(c.countersManager, CounterTypeSubscriberPos,
		"sub-pos", link.registrationID, sessionID, streamID, channelString)
	if err != nil {
		return nil, err
	}
	counter.Set(joinPosition)
	return newSubscriberPosition(link, counter), nil
}

func (c *Conductor) linkImageToSubscription(img *PublicationImage, link *SubscriptionLink) error {
	sp, err := c.newSubscriberPosition(link, img.SessionID(), img.StreamID(),
		img.rcvPosition.Get(), link.Channel())
	if err != nil {
		return err
	}

	img.addSubscriberPosition(sp)
	link.addSource(img.CorrelationID(), sp, img.removeSubscriberPosition)
	c.clientProxy.OnAvailableImage(img.CorrelationID(), img.SessionID(), img.StreamID(),
		link.RegistrationID(), sp.CounterID(), img.rawLog.FileName(), img.SourceIdentity())
	return nil
}

func (c *Conductor) linkIpcPublicationToSubscription(pub *IpcPublication, link *SubscriptionLink) {
	sp, err := c.newSubscriberPosition(link, pub.SessionID(), pub.StreamID(),
		pub.JoinPosition(), link.Channel())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to link IPC publication")
		return
	}

	pub.addSubscriberPosition(sp)
	link.addSource(pub.RegistrationID(), sp, pub.removeSubscriberPosition)
	c.clientProxy.OnAvailableImage(pub.RegistrationID(), pub.SessionID(), pub.StreamID(),
		link.RegistrationID(), sp.CounterID(), pub.rawLog.FileName(), channel.IpcChannel)
}

func (c *Conductor) linkSpyToPublication(pub *NetworkPublication, link *SubscriptionLink) {
	sp, err := c.newSubscriberPosition(link, pub.SessionID(), pub.StreamID(),
		pub.producerPosition(), link.Channel())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to link spy")
		return
	}

	pub.addSpyPosition(sp)
	link.addSource(pub.RegistrationID(), sp, pub.removeSpyPosition)
	c.clientProxy.OnAvailableImage(pub.RegistrationID(), pub.SessionID(), pub.StreamID(),
		link.RegistrationID(), sp.CounterID(), pub.rawLog.FileName(), channel.IpcChannel)
}

// linkSpies links every matching spy subscription to a newly created
// network publication
func (c *Conductor) linkSpies(pub *NetworkPublication) {
	for _, link := range c.subscriptionLinks {
		if link.matchesSpy(pub) {
			c.linkSpyToPublication(pub, link)
		}
	}
}

// linkIpcSubscribers links every matching subscription to a newly created
// IPC publication
func (c *Conductor) linkIpcSubscribers(pub *IpcPublication) {
	for _, link := range c.subscriptionLinks {
		if link.matchesIpc(pub) {
			c.linkIpcPublicationToSubscription(pub, link)
		}
	}
}

// onCreatePublicationImage handles a receiver report of a newly seen
// publisher. Partial failures release everything acquired so far.
func (c *Conductor) onCreatePublicationImage(e CreatePublicationImageEvent) {
	if err := logbuffer.CheckTermLength(e.TermLength); err != nil {
		c.recordImageError(err)
		return
	}

	subscribers := make([]*SubscriptionLink, 0, 4)
	for _, link := range c.subscriptionLinks {
		if link.matchesNetwork(e.Endpoint, e.StreamID, e.SessionID) {
			subscribers = append(subscribers, link)
		}
	}
	if len(subscribers) == 0 {
		// Superseded before the conductor saw it
		return
	}

	positionBits := logbuffer.PositionBitsToShift(e.TermLength)
	joinPosition := logbuffer.ComputePosition(e.ActiveTermID, e.TermOffset, positionBits, e.InitialTermID)
	correlationID := c.nextRegistrationID()

	rawLog, err := c.logFactory.NewImageLog(correlationID, e.TermLength, isOldestSubscriptionSparse(subscribers))
	if err != nil {
		c.recordImageError(err)
		return
	}

	meta := rawLog.Meta()
	logbuffer.InitMetaData(meta, correlationID, e.InitialTermID, e.MTULength, e.TermLength, c.cfg.FilePageSize)
	termCount := e.ActiveTermID - e.InitialTermID
	logbuffer.InitialiseTailWithTermID(meta, int(logbuffer.IndexByTermCount(termCount)), e.ActiveTermID, e.TermOffset)
	logbuffer.SetActiveTermCount(meta, termCount)

	var acquired []*counters.Counter
	fail := func(err error) {
		for _, counter := range acquired {
			counter.Close()
		}
		rawLog.Delete()
		c.recordImageError(err)
	}

	hwm, err := allocateStreamCounter(c.countersManager, CounterTypeReceiverHwm, "rcv-hwm",
		correlationID, e.SessionID, e.StreamID, e.Endpoint.OriginalChannel())
	if err != nil {
		fail(err)
		return
	}
	acquired = append(acquired, hwm)

	rcvPos, err := allocateStreamCounter(c.countersManager, CounterTypeReceiverPosition, "rcv-pos",
		correlationID, e.SessionID, e.StreamID, e.Endpoint.OriginalChannel())
	if err != nil {
		fail(err)
		return
	}
	acquired = append(acquired, rcvPos)

	hwm.Set(joinPosition)
	rcvPos.Set(joinPosition)

	img := &PublicationImage{
		correlationID: correlationID,
		sessionID:     e.SessionID,
		streamID:      e.StreamID,
		endpoint:      e.Endpoint,
		rawLog:        rawLog,

		rcvHwmPosition: hwm,
		rcvPosition:    rcvPos,

		congestionControl: congestion.NewStaticWindow(c.cfg.InitialWindowLength, e.TermLength),
		feedbackDelay: congestion.SelectDelayGenerator(subscribers[0].Group(),
			e.TransportIsMulticast),

		initialTermID:       e.InitialTermID,
		termLength:          e.TermLength,
		mtuLength:           e.MTULength,
		positionBitsToShift: positionBits,
		joinPosition:        joinPosition,
		sourceIdentity:      e.SourceIdentity,
		isSparse:            isOldestSubscriptionSparse(subscribers),
		isReliable:          subscribers[0].IsReliable(),

		state:                imageActive,
		timeOfLastActivityNs: c.cachedNano.NanoTime(),
		livenessTimeoutNs:    c.cfg.ImageLivenessTimeout.Nanoseconds(),
		untetheredWindowLimitTimeoutNs: c.cfg.UntetheredWindowLimitTimeout.Nanoseconds(),
		untetheredRestingTimeoutNs:     c.cfg.UntetheredRestingTimeout.Nanoseconds(),
	}

	for _, link := range subscribers {
		sp, err := c.newSubscriberPosition(link, e.SessionID, e.StreamID, joinPosition, link.Channel())
		if err != nil {
			for _, attached := range img.subscriberPositions {
				attached.link.removeSource(correlationID)
				attached.close()
			}
			fail(err)
			return
		}
		img.addSubscriberPosition(sp)
		link.addSource(correlationID, sp, img.removeSubscriberPosition)
	}

	c.publicationImages = append(c.publicationImages, img)
	metrics.ImagesTotal.Inc()
	e.Endpoint.incImages()
	c.receiverProxy.Offer(NewPublicationImageMessage{Image: img})

	for _, sp := range img.subscriberPositions {
		c.clientProxy.OnAvailableImage(correlationID, e.SessionID, e.StreamID,
			sp.link.RegistrationID(), sp.CounterID(), rawLog.FileName(), e.SourceIdentity)
	}

	c.logger.Debug().
		Int64("correlation_id", correlationID).
		Int32("session_id", e.SessionID).
		Int32("stream_id", e.StreamID).
		Str("source", e.SourceIdentity).
		Msg("Publication image created")
}

// isOldestSubscriptionSparse takes the sparse flag from the subscription
// with the smallest registration id, first-writer-wins
func isOldestSubscriptionSparse(subscribers []*SubscriptionLink) bool {
	oldest := subscribers[0]
	for _, link := range subscribers[1:] {
		if link.RegistrationID() < oldest.RegistrationID() {
			oldest = link
		}
	}
	return oldest.IsSparse()
}

func (c *Conductor) recordImageError(err error) {
	c.systemCounters.errors.Increment()
	metrics.ErrorsTotal.WithLabelValues(command.ErrInternalInvariant.String()).Inc()
	c.logger.Error().Err(err).Msg("Image creation failed")
}

func (c *Conductor) onAddDestination(client *AeronClient, correlationID, registrationID int64, destination string) error {
	pub := c.findNetworkPublication(registrationID)
	if pub == nil {
		return NewDriverError(command.ErrUnknownPublication,
			"unknown publication: registration-id=%d", registrationID)
	}
	if !pub.Endpoint().IsManualControlMode() {
		return NewDriverError(command.ErrInvalidChannel,
			"publication channel does not have manual control mode: %s", pub.Channel())
	}

	addr, err := c.parseDestination(destination)
	if err != nil {
		return err
	}

	c.senderProxy.Offer(AddDestinationMessage{Endpoint: pub.Endpoint(), Channel: destination, Address: addr})
	c.clientProxy.OperationSucceeded(correlationID)
	return nil
}

func (c *Conductor) onRemoveDestination(client *AeronClient, correlationID, registrationID int64, destination string) error {
	pub := c.findNetworkPublication(registrationID)
	if pub == nil {
		return NewDriverError(command.ErrUnknownPublication,
			"unknown publication: registration-id=%d", registrationID)
	}
	if !pub.Endpoint().IsManualControlMode() {
		return NewDriverError(command.ErrInvalidChannel,
			"publication channel does not have manual control mode: %s", pub.Channel())
	}

	addr, err := c.parseDestination(destination)
	if err != nil {
		return err
	}

	c.senderProxy.Offer(RemoveDestinationMessage{Endpoint: pub.Endpoint(), Channel: destination, Address: addr})
	c.clientProxy.OperationSucceeded(correlationID)
	return nil
}

func (c *Conductor) parseDestination(destination string) (*net.UDPAddr, error) {
	uri, err := channel.ParseURI(destination)
	if err != nil {
		return nil, InvalidChannel(err)
	}
	if err := channel.ValidateDestination(uri, destination); err != nil {
		return nil, InvalidChannel(err)
	}

	var addr *net.UDPAddr
	if uri.IsUDP() && uri.Endpoint() != "" {
		addr, err = c.nameResolver.ResolveEndpoint(uri.Endpoint())
		if err != nil {
			return nil, InvalidChannel(err)
		}
	}
	return addr, nil
}

func (c *Conductor) findNetworkPublication(registrationID int64) *NetworkPublication {
	for _, pub := range c.networkPublications {
		if pub.registrationID == registrationID {
			return pub
		}
	}
	return nil
}

// onAddRcvDestination adds one destination to a multi-destination
// subscription. IPC and spy destinations become subscriptions in their own
// right under the anchor; network destinations extend the anchor's
// endpoint.
func (c *Conductor) onAddRcvDestination(client *AeronClient, correlationID, registrationID int64, destination string) error {
	anchor := c.findSubscriptionLink(client, registrationID)
	if anchor == nil {
		return NewDriverError(command.ErrUnknownSubscription,
			"unknown subscription: registration-id=%d", registrationID)
	}
	if !anchor.IsAnchor() {
		return NewDriverError(command.ErrInvalidChannel,
			"subscription channel does not have manual control mode: %s", anchor.Channel())
	}

	uri, err := channel.ParseURI(destination)
	if err != nil {
		return InvalidChannel(err)
	}

	switch {
	case uri.IsSpy():
		params, err := channel.DeriveSubscriptionParams(uri, c.cfg)
		if err != nil {
			return InvalidChannel(err)
		}
		if err := c.addSpySubscription(client, c.nextRegistrationID(), anchor.StreamID(),
			uri, destination, params, anchor); err != nil {
			return err
		}
		anchor.destinations = append(anchor.destinations, c.lastSubscriptionLink())
	case uri.IsIPC():
		params, err := channel.DeriveSubscriptionParams(uri, c.cfg)
		if err != nil {
			return InvalidChannel(err)
		}
		if err := c.addIpcSubscription(client, c.nextRegistrationID(), anchor.StreamID(),
			uri, destination, params, anchor); err != nil {
			return err
		}
		anchor.destinations = append(anchor.destinations, c.lastSubscriptionLink())
	default:
		if err := channel.ValidateDestination(uri, destination); err != nil {
			return InvalidChannel(err)
		}
		c.receiverProxy.Offer(AddRcvDestinationMessage{Endpoint: anchor.endpoint, Channel: destination})
	}

	c.clientProxy.OperationSucceeded(correlationID)
	return nil
}

// onRemoveRcvDestination removes one destination from a multi-destination
// subscription. Removing an IPC or spy destination notifies unavailable
// images for its links; removing a network destination leaves the anchor
// intact.
func (c *Conductor) onRemoveRcvDestination(client *AeronClient, correlationID, registrationID int64, destination string) error {
	anchor := c.findSubscriptionLink(client, registrationID)
	if anchor == nil {
		return NewDriverError(command.ErrUnknownSubscription,
			"unknown subscription: registration-id=%d", registrationID)
	}

	uri, err := channel.ParseURI(destination)
	if err != nil {
		return InvalidChannel(err)
	}

	if uri.IsSpy() || uri.IsIPC() {
		for i, dest := range anchor.destinations {
			if dest.Channel() == destination {
				anchor.destinations = append(anchor.destinations[:i], anchor.destinations[i+1:]...)
				for _, src := range dest.sources {
					c.clientProxy.OnUnavailableImage(src.correlationID, dest.RegistrationID(),
						dest.StreamID(), dest.Channel())
				}
				c.removeFromSubscriptionLinks(dest)
				c.cleanupSubscriptionLink(dest)
				c.clientProxy.OperationSucceeded(correlationID)
				return nil
			}
		}
		return NewDriverError(command.ErrUnknownSubscription,
			"unknown destination: %s", destination)
	}

	c.receiverProxy.Offer(RemoveRcvDestinationMessage{Endpoint: anchor.endpoint, Channel: destination})
	c.clientProxy.OperationSucceeded(correlationID)
	return nil
}

func (c *Conductor) findSubscriptionLink(client *AeronClient, registrationID int64) *SubscriptionLink {
	for _, link := range c.subscriptionLinks {
		if link.registrationID == registrationID && link.client == client {
			return link
		}
	}
	return nil
}

func (c *Conductor) lastSubscriptionLink() *SubscriptionLink {
	return c.subscriptionLinks[len(c.subscriptionLinks)-1]
}

func (c *Conductor) onAddCounter(client *AeronClient, correlationID int64,
	typeID int32, key []byte, label string) error {

	id, err := c.countersManager.Allocate(typeID, label, key, client.ClientID(), correlationID)
	if err != nil {
		return NewDriverError(errCodeInternal, "failed to allocate counter: %v", err)
	}

	counter := counters.NewCounter(c.countersManager, id)
	c.counterLinks = append(c.counterLinks, newCounterLink(correlationID, client, counter))
	c.clientProxy.OnCounterReady(correlationID, id)
	return nil
}

func (c *Conductor) onRemoveCounter(client *AeronClient, correlationID, registrationID int64) error {
	for i, link := range c.counterLinks {
		if link.registrationID == registrationID && link.client == client {
			c.counterLinks = append(c.counterLinks[:i], c.counterLinks[i+1:]...)
			c.clientProxy.OperationSucceeded(correlationID)
			link.Close(c)
			return nil
		}
	}
	return NewDriverError(command.ErrUnknownCounter,
		"unknown counter: registration-id=%d", registrationID)
}

func (c *Conductor) onClientKeepalive(clientID int64) {
	client, err := c.getOrAddClient(clientID)
	if err != nil {
		c.logger.Error().Err(err).Int64("client_id", clientID).Msg("Keepalive for unregisterable client")
		return
	}
	client.timeOfLastKeepalive(c.cachedEpoch.Time(), c.cachedNano.NanoTime())
}

func (c *Conductor) onClientClose(clientID int64) {
	for _, client := range c.clients {
		if client.ClientID() == clientID {
			client.onClose()
			return
		}
	}
}

func (c *Conductor) onTerminateDriver(correlationID int64, token []byte) {
	if c.terminationValidator == nil || !c.terminationValidator(token) {
		c.logger.Warn().Int64("correlation_id", correlationID).Msg("Driver termination rejected")
		return
	}
	c.logger.Info().Msg("Driver termination requested")
	if c.terminationHook != nil {
		c.terminationHook()
	}
}

package driver

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strand/pkg/buffer"
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/clock"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/config"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/log"
	"github.com/cuemby/strand/pkg/logbuffer"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

const (
	testClientID  = int64(501)
	testClientID2 = int64(502)
)

type capturedEvent struct {
	msgType command.Type
	msg     any
}

type harness struct {
	t         *testing.T
	cfg       config.Config
	nano      *clock.CachedNanoClock
	epoch     *clock.CachedEpochClock
	ring      *command.ManyToOneRingBuffer
	sender    *SenderProxy
	receiver  *ReceiverProxy
	conductor *Conductor
	counters  *counters.Manager
	events    []capturedEvent

	nextCorrelation int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.TermBufferLength = logbuffer.TermMinLength
	cfg.IpcTermBufferLength = logbuffer.TermMinLength

	nano := &clock.CachedNanoClock{}
	epoch := &clock.CachedEpochClock{}
	nano.Update(1)
	epoch.Update(1)

	cm, err := counters.NewManager(
		buffer.NewAtomic(make([]byte, 512*counters.ValueLength)),
		buffer.NewAtomic(make([]byte, 512*counters.MetadataLength)),
		epoch, 0)
	require.NoError(t, err)

	logFactory, err := logbuffer.NewFileFactory(cfg.Dir, cfg.FilePageSize)
	require.NoError(t, err)

	h := &harness{
		t:               t,
		cfg:             cfg,
		nano:            nano,
		epoch:           epoch,
		ring:            command.NewManyToOneRingBuffer(256),
		sender:          NewSenderProxy(64),
		receiver:        NewReceiverProxy(64),
		counters:        cm,
		nextCorrelation: 1000,
	}

	broadcaster := command.NewBroadcaster()
	broadcaster.AddListener(h.capture)

	conductor, err := NewConductor(Options{
		Config:          &h.cfg,
		NanoClock:       nano,
		EpochClock:      epoch,
		CountersManager: cm,
		LogFactory:      logFactory,
		ToDriver:        h.ring,
		ToClients:       broadcaster,
		SenderProxy:     h.sender,
		ReceiverProxy:   h.receiver,
	})
	require.NoError(t, err)
	h.conductor = conductor
	conductor.OnStart()
	return h
}

func (h *harness) capture(msgType command.Type, payload []byte) {
	var msg any
	var err error
	switch msgType {
	case command.TypeOnError:
		msg, err = command.UnmarshalErrorResponse(payload)
	case command.TypeOnPublicationReady:
		msg, err = command.UnmarshalPublicationReady(payload)
	case command.TypeOnSubscriptionReady:
		msg, err = command.UnmarshalSubscriptionReady(payload)
	case command.TypeOnOperationSuccess:
		msg, err = command.UnmarshalOperationSucceeded(payload)
	case command.TypeOnAvailableImage:
		msg, err = command.UnmarshalAvailableImage(payload)
	case command.TypeOnUnavailableImage:
		msg, err = command.UnmarshalUnavailableImage(payload)
	case command.TypeOnCounterReady:
		msg, err = command.UnmarshalCounterReady(payload)
	case command.TypeOnUnavailableCounter:
		msg, err = command.UnmarshalUnavailableCounter(payload)
	case command.TypeOnClientTimeout:
		msg, err = command.UnmarshalClientTimeout(payload)
	}
	require.NoError(h.t, err)
	h.events = append(h.events, capturedEvent{msgType: msgType, msg: msg})
}

func (h *harness) doWork() {
	h.conductor.DoWork()
}

// advance moves both clocks forward and runs one duty cycle
func (h *harness) advance(d time.Duration) {
	h.nano.Update(h.nano.NanoTime() + d.Nanoseconds())
	h.epoch.Update(h.epoch.Time() + d.Milliseconds())
	h.doWork()
}

func (h *harness) correlation() int64 {
	h.nextCorrelation++
	return h.nextCorrelation
}

func (h *harness) write(msgType command.Type, payload []byte) {
	require.True(h.t, h.ring.Write(msgType, payload))
}

func (h *harness) addPublication(clientID int64, streamID int32, ch string, exclusive bool) int64 {
	correlationID := h.correlation()
	msgType := command.TypeAddPublication
	if exclusive {
		msgType = command.TypeAddExclusivePublication
	}
	msg := &command.PublicationMessage{
		Correlated: command.Correlated{ClientID: clientID, CorrelationID: correlationID},
		StreamID:   streamID,
		Channel:    ch,
	}
	h.write(msgType, msg.Marshal())
	h.doWork()
	return correlationID
}

func (h *harness) addSubscription(clientID int64, streamID int32, ch string) int64 {
	correlationID := h.correlation()
	msg := &command.SubscriptionMessage{
		Correlated: command.Correlated{ClientID: clientID, CorrelationID: correlationID},
		StreamID:   streamID,
		Channel:    ch,
	}
	h.write(command.TypeAddSubscription, msg.Marshal())
	h.doWork()
	return correlationID
}

func (h *harness) removeResource(msgType command.Type, clientID, registrationID int64) int64 {
	correlationID := h.correlation()
	msg := &command.RemoveMessage{
		Correlated:     command.Correlated{ClientID: clientID, CorrelationID: correlationID},
		RegistrationID: registrationID,
	}
	h.write(msgType, msg.Marshal())
	h.doWork()
	return correlationID
}

func (h *harness) destinationCommand(msgType command.Type, clientID, registrationID int64, ch string) int64 {
	correlationID := h.correlation()
	msg := &command.DestinationMessage{
		Correlated:     command.Correlated{ClientID: clientID, CorrelationID: correlationID},
		RegistrationID: registrationID,
		Channel:        ch,
	}
	h.write(msgType, msg.Marshal())
	h.doWork()
	return correlationID
}

func (h *harness) keepalive(clientID int64) {
	msg := &command.CorrelatedMessage{
		Correlated: command.Correlated{ClientID: clientID, CorrelationID: h.correlation()},
	}
	h.write(command.TypeClientKeepalive, msg.Marshal())
	h.doWork()
}

func (h *harness) eventsOfType(msgType command.Type) []any {
	var out []any
	for _, e := range h.events {
		if e.msgType == msgType {
			out = append(out, e.msg)
		}
	}
	return out
}

func (h *harness) lastOfType(msgType command.Type) any {
	events := h.eventsOfType(msgType)
	require.NotEmpty(h.t, events, "no %s event captured", msgType)
	return events[len(events)-1]
}

func (h *harness) clearEvents() {
	h.events = nil
}

func (h *harness) receiveEndpoint() *ReceiveChannelEndpoint {
	require.Len(h.t, h.conductor.receiveEndpoints, 1)
	for _, endpoint := range h.conductor.receiveEndpoints {
		return endpoint
	}
	return nil
}

func (h *harness) injectImage(sessionID, streamID int32, source string) {
	h.conductor.Proxy().OnCreatePublicationImage(CreatePublicationImageEvent{
		SessionID:     sessionID,
		StreamID:      streamID,
		InitialTermID: 0,
		ActiveTermID:  0,
		TermOffset:    0,
		TermLength:    logbuffer.TermMinLength,
		MTULength:     1408,
		Endpoint:      h.receiveEndpoint(),
		SourceIdentity: source,
	})
	h.doWork()
}

// ---------------------------------------------------------------------

// TestAddNetworkPublication verifies the creation flow end to end
func TestAddNetworkPublication(t *testing.T) {
	h := newHarness(t)

	correlationID := h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)

	ready := h.lastOfType(command.TypeOnPublicationReady).(*command.PublicationReady)
	assert.Equal(t, correlationID, ready.CorrelationID)
	assert.Equal(t, int32(7), ready.StreamID)
	assert.NotEmpty(t, ready.LogFileName)
	assert.FileExists(t, ready.LogFileName)

	assert.Len(t, h.conductor.networkPublications, 1)
	assert.Len(t, h.conductor.publicationLinks, 1)
	assert.Len(t, h.conductor.sendEndpoints, 1)
	assert.Len(t, h.conductor.activeSessionSet, 1)

	// The sender was handed the endpoint and the publication
	var types []string
	h.sender.Drain(func(m SenderMessage) {
		switch m.(type) {
		case RegisterSendEndpointMessage:
			types = append(types, "endpoint")
		case NewNetworkPublicationMessage:
			types = append(types, "publication")
		}
	}, 10)
	assert.Equal(t, []string{"endpoint", "publication"}, types)
}

// TestSharedPublication verifies two non-exclusive adds share one
// publication, one session id, and one log file
func TestSharedPublication(t *testing.T) {
	h := newHarness(t)

	c1 := h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)
	c2 := h.addPublication(testClientID2, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)

	readies := h.eventsOfType(command.TypeOnPublicationReady)
	require.Len(t, readies, 2)
	first := readies[0].(*command.PublicationReady)
	second := readies[1].(*command.PublicationReady)

	assert.Equal(t, c1, first.CorrelationID)
	assert.Equal(t, c2, second.CorrelationID)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.LogFileName, second.LogFileName)
	assert.Equal(t, first.RegistrationID, second.RegistrationID)

	assert.Len(t, h.conductor.networkPublications, 1)
	assert.Len(t, h.conductor.publicationLinks, 2)
	assert.Len(t, h.conductor.activeSessionSet, 1)
}

// TestSharedPublicationParamMismatch verifies a conflicting non-exclusive
// add fails without disturbing the existing publication
func TestSharedPublicationParamMismatch(t *testing.T) {
	h := newHarness(t)

	h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)
	h.clearEvents()

	h.addPublication(testClientID2, 7, "aeron:udp?endpoint=127.0.0.1:40124|term-length=131072", false)

	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, command.ErrGeneric, errResp.Code)
	assert.Len(t, h.conductor.networkPublications, 1)
	assert.Len(t, h.conductor.publicationLinks, 1)
}

// TestExclusiveSessionClash verifies explicit session uniqueness
func TestExclusiveSessionClash(t *testing.T) {
	h := newHarness(t)

	channelStr := "aeron:udp?endpoint=127.0.0.1:40125|session-id=42"
	h.addPublication(testClientID, 5, channelStr, true)
	require.Empty(t, h.eventsOfType(command.TypeOnError))

	second := h.addPublication(testClientID2, 5, channelStr, true)

	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, second, errResp.OffendingCorrelationID)
	assert.Equal(t, command.ErrInvalidChannel, errResp.Code)
	assert.Contains(t, errResp.Message, "session clash")
	assert.Len(t, h.conductor.networkPublications, 1)
}

// TestSubscriptionOptionConflict verifies endpoint option validation
func TestSubscriptionOptionConflict(t *testing.T) {
	h := newHarness(t)

	first := h.addSubscription(testClientID, 1001, "aeron:udp?endpoint=127.0.0.1:40123|reliable=true")
	ready := h.lastOfType(command.TypeOnSubscriptionReady).(*command.SubscriptionReady)
	assert.Equal(t, first, ready.CorrelationID)

	second := h.addSubscription(testClientID2, 1001, "aeron:udp?endpoint=127.0.0.1:40123|reliable=false")

	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, second, errResp.OffendingCorrelationID)
	assert.Equal(t, command.ErrInvalidChannel, errResp.Code)
	assert.Len(t, h.conductor.subscriptionLinks, 1)
}

// TestImageLinking verifies available-image delivery and the silent
// release of a removed subscriber (no further notifications)
func TestImageLinking(t *testing.T) {
	h := newHarness(t)

	subID := h.addSubscription(testClientID, 1001, "aeron:udp?endpoint=127.0.0.1:40123")
	h.injectImage(77, 1001, "127.0.0.1:50001")

	available := h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, subID, available.SubscriberRegistrationID)
	assert.Equal(t, int32(77), available.SessionID)
	assert.Equal(t, int32(1001), available.StreamID)
	assert.Equal(t, "127.0.0.1:50001", available.SourceIdentity)

	require.Len(t, h.conductor.publicationImages, 1)
	img := h.conductor.publicationImages[0]
	require.Len(t, img.subscriberPositions, 1)
	sp := img.subscriberPositions[0]
	assert.Equal(t, available.SubscriberPositionID, sp.CounterID())

	h.clearEvents()
	h.removeResource(command.TypeRemoveSubscription, testClientID, subID)

	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))
	assert.Empty(t, h.eventsOfType(command.TypeOnUnavailableImage))
	assert.True(t, sp.position.IsClosed())
	assert.Empty(t, img.subscriberPositions)
}

// TestImageCreationDroppedWithoutSubscribers verifies a superseded image
// report is ignored
func TestImageCreationDroppedWithoutSubscribers(t *testing.T) {
	h := newHarness(t)

	subID := h.addSubscription(testClientID, 1001, "aeron:udp?endpoint=127.0.0.1:40123")
	endpoint := h.receiveEndpoint()
	h.removeResource(command.TypeRemoveSubscription, testClientID, subID)

	h.conductor.Proxy().OnCreatePublicationImage(CreatePublicationImageEvent{
		SessionID: 1, StreamID: 1001, TermLength: logbuffer.TermMinLength,
		MTULength: 1408, Endpoint: endpoint, SourceIdentity: "x",
	})
	h.doWork()

	assert.Empty(t, h.conductor.publicationImages)
}

// TestUnknownPublicationDestination verifies the unknown-registration error
func TestUnknownPublicationDestination(t *testing.T) {
	h := newHarness(t)

	before := h.conductor.systemCounters.errors.Get()
	correlationID := h.destinationCommand(command.TypeAddDestination, testClientID,
		999999, "aeron:udp?endpoint=127.0.0.1:40200")

	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, correlationID, errResp.OffendingCorrelationID)
	assert.Equal(t, command.ErrUnknownPublication, errResp.Code)
	assert.Equal(t, before+1, h.conductor.systemCounters.errors.Get())
}

// TestMdcDestinations verifies manual-mode destination management
func TestMdcDestinations(t *testing.T) {
	h := newHarness(t)

	pubID := h.addPublication(testClientID, 9, "aeron:udp?control-mode=manual", false)
	h.sender.Drain(func(SenderMessage) {}, 10)
	h.clearEvents()

	h.destinationCommand(command.TypeAddDestination, testClientID, pubID,
		"aeron:udp?endpoint=127.0.0.1:40200")
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))

	var added []AddDestinationMessage
	h.sender.Drain(func(m SenderMessage) {
		if msg, ok := m.(AddDestinationMessage); ok {
			added = append(added, msg)
		}
	}, 10)
	require.Len(t, added, 1)
	assert.Equal(t, 40200, added[0].Address.Port)

	// Spy destinations are forbidden
	h.clearEvents()
	h.destinationCommand(command.TypeAddDestination, testClientID, pubID,
		"spy:aeron:udp?endpoint=127.0.0.1:40201")
	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, command.ErrInvalidChannel, errResp.Code)
}

// TestMdsDestinations verifies multi-destination subscriptions
func TestMdsDestinations(t *testing.T) {
	h := newHarness(t)

	anchorID := h.addSubscription(testClientID, 11, "aeron:udp?control-mode=manual")
	require.NotEmpty(t, h.eventsOfType(command.TypeOnSubscriptionReady))
	h.clearEvents()

	h.destinationCommand(command.TypeAddRcvDestination, testClientID, anchorID, "aeron:ipc")
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))
	assert.Len(t, h.conductor.subscriptionLinks, 2)

	// An IPC publication on the stream reaches the destination subscription
	h.clearEvents()
	h.addPublication(testClientID2, 11, "aeron:ipc", false)
	available := h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, int32(11), available.StreamID)

	// Removing the destination notifies unavailable for its linked images
	h.clearEvents()
	h.destinationCommand(command.TypeRemoveRcvDestination, testClientID, anchorID, "aeron:ipc")
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnUnavailableImage))
	assert.Len(t, h.conductor.subscriptionLinks, 1)
}

// TestSpyLinking verifies a spy observes a matching network publication
func TestSpyLinking(t *testing.T) {
	h := newHarness(t)

	spyID := h.addSubscription(testClientID, 7, "spy:aeron:udp?endpoint=127.0.0.1:40124")
	h.clearEvents()

	h.addPublication(testClientID2, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)

	available := h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, spyID, available.SubscriberRegistrationID)
	assert.Equal(t, channel.IpcChannel, available.SourceIdentity)
}

// TestIpcLinking verifies IPC publication and subscription linking in both
// creation orders
func TestIpcLinking(t *testing.T) {
	h := newHarness(t)

	subID := h.addSubscription(testClientID, 42, "aeron:ipc")
	h.clearEvents()
	h.addPublication(testClientID2, 42, "aeron:ipc", false)

	available := h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, subID, available.SubscriberRegistrationID)

	// Reverse order: publication first, subscription links on add
	h.clearEvents()
	h.addPublication(testClientID2, 43, "aeron:ipc", false)
	sub2 := h.addSubscription(testClientID, 43, "aeron:ipc")
	available = h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, sub2, available.SubscriberRegistrationID)
}

// TestPublicationLingerAndCleanup verifies remove returns the registries
// to their pre-add state after the linger expires and deletes the log
func TestPublicationLingerAndCleanup(t *testing.T) {
	h := newHarness(t)

	pubID := h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)
	ready := h.lastOfType(command.TypeOnPublicationReady).(*command.PublicationReady)

	h.removeResource(command.TypeRemovePublication, testClientID, pubID)
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))

	// The log survives the linger period
	assert.FileExists(t, ready.LogFileName)

	// Keep the client alive while the publication drains through
	// Draining -> Linger -> Done across heartbeats
	for i := 0; i < 15; i++ {
		h.keepalive(testClientID)
		h.advance(1100 * time.Millisecond)
	}

	assert.Empty(t, h.conductor.networkPublications)
	assert.Empty(t, h.conductor.publicationLinks)
	assert.Empty(t, h.conductor.activeSessionSet)
	assert.Empty(t, h.conductor.sendEndpoints)
	_, err := os.Stat(ready.LogFileName)
	assert.True(t, os.IsNotExist(err))
}

// TestEndpointRefcount verifies an endpoint lives exactly as long as its
// references
func TestEndpointRefcount(t *testing.T) {
	h := newHarness(t)

	sub1 := h.addSubscription(testClientID, 1, "aeron:udp?endpoint=127.0.0.1:40123")
	sub2 := h.addSubscription(testClientID, 2, "aeron:udp?endpoint=127.0.0.1:40123")
	assert.Len(t, h.conductor.receiveEndpoints, 1)

	h.removeResource(command.TypeRemoveSubscription, testClientID, sub1)
	assert.Len(t, h.conductor.receiveEndpoints, 1)

	h.removeResource(command.TypeRemoveSubscription, testClientID, sub2)
	assert.Empty(t, h.conductor.receiveEndpoints)

	var closed int
	h.receiver.Drain(func(m ReceiverMessage) {
		if _, ok := m.(CloseReceiveEndpointMessage); ok {
			closed++
		}
	}, 20)
	assert.Equal(t, 1, closed)
}

// TestClientTimeout verifies an expired client is cleaned up and announced
func TestClientTimeout(t *testing.T) {
	h := newHarness(t)

	h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)
	h.addSubscription(testClientID, 8, "aeron:udp?endpoint=127.0.0.1:40126")
	h.clearEvents()

	// Both heartbeat intervals and the liveness timeout elapse
	for i := 0; i < 13; i++ {
		h.advance(1100 * time.Millisecond)
	}

	timeout := h.lastOfType(command.TypeOnClientTimeout).(*command.ClientTimeout)
	assert.Equal(t, testClientID, timeout.ClientID)

	assert.Empty(t, h.conductor.clients)
	assert.Empty(t, h.conductor.publicationLinks)
	assert.Empty(t, h.conductor.subscriptionLinks)
}

// TestKeepaliveExtendsClient verifies keepalives hold expiry off
func TestKeepaliveExtendsClient(t *testing.T) {
	h := newHarness(t)

	h.addSubscription(testClientID, 8, "aeron:udp?endpoint=127.0.0.1:40126")

	for i := 0; i < 20; i++ {
		h.keepalive(testClientID)
		h.advance(1100 * time.Millisecond)
	}

	assert.Len(t, h.conductor.clients, 1)
	assert.Len(t, h.conductor.subscriptionLinks, 1)
	assert.Empty(t, h.eventsOfType(command.TypeOnClientTimeout))
}

// TestCounterLifecycle verifies add and remove of client counters
func TestCounterLifecycle(t *testing.T) {
	h := newHarness(t)

	correlationID := h.correlation()
	msg := &command.CounterMessage{
		Correlated: command.Correlated{ClientID: testClientID, CorrelationID: correlationID},
		TypeID:     1001,
		Key:        []byte{9, 9},
		Label:      "orders in flight",
	}
	h.write(command.TypeAddCounter, msg.Marshal())
	h.doWork()

	ready := h.lastOfType(command.TypeOnCounterReady).(*command.CounterReady)
	assert.Equal(t, correlationID, ready.CorrelationID)
	assert.Equal(t, "orders in flight", h.counters.Label(ready.CounterID))

	h.clearEvents()
	h.removeResource(command.TypeRemoveCounter, testClientID, correlationID)

	assert.NotEmpty(t, h.eventsOfType(command.TypeOnOperationSuccess))
	unavailable := h.lastOfType(command.TypeOnUnavailableCounter).(*command.UnavailableCounter)
	assert.Equal(t, ready.CounterID, unavailable.CounterID)
	assert.Empty(t, h.conductor.counterLinks)
}

// TestBackpressureSuspendsCommandPolling verifies the conductor declines
// client commands while a data-plane proxy is saturated, and that a
// wedged ring buffer is eventually unblocked by the heartbeat pass
func TestBackpressureSuspendsCommandPolling(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 70; i++ {
		h.sender.Offer(NewNetworkPublicationMessage{})
	}
	require.True(t, h.sender.IsApplyingBackpressure())

	msg := &command.CorrelatedMessage{
		Correlated: command.Correlated{ClientID: testClientID, CorrelationID: h.correlation()},
	}
	h.write(command.TypeClientKeepalive, msg.Marshal())

	h.doWork()
	assert.Equal(t, int64(0), h.ring.ConsumerPosition())

	// The consumer is stalled with the producer ahead; after the liveness
	// timeout the heartbeat pass unblocks the ring buffer
	h.ring.Block()
	before := h.conductor.systemCounters.unblockedCommands.Get()
	for i := 0; i < 12; i++ {
		h.advance(1100 * time.Millisecond)
	}
	assert.Equal(t, before+1, h.conductor.systemCounters.unblockedCommands.Get())

	// Relieving the back-pressure resumes polling
	h.sender.Drain(func(SenderMessage) {}, 100)
	h.doWork()
	assert.Equal(t, int64(1), h.ring.ConsumerPosition())
}

// TestOldestSubscriptionDecidesSparse verifies the smallest registration
// id wins the sparse flag
func TestOldestSubscriptionDecidesSparse(t *testing.T) {
	h := newHarness(t)
	h.cfg.TermBufferSparseFile = false

	h.addSubscription(testClientID, 1001, "aeron:udp?endpoint=127.0.0.1:40123|sparse=false")
	h.addSubscription(testClientID2, 1001, "aeron:udp?endpoint=127.0.0.1:40123|sparse=true")

	h.injectImage(5, 1001, "127.0.0.1:50001")

	require.Len(t, h.conductor.publicationImages, 1)
	assert.False(t, h.conductor.publicationImages[0].IsSparse())
	require.Len(t, h.conductor.publicationImages[0].subscriberPositions, 2)
}

// TestConductorIDsStrictlyIncrease verifies conductor-minted ids never
// repeat or regress
func TestConductorIDsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)

	prev := h.conductor.nextRegistrationID()
	for i := 0; i < 100; i++ {
		id := h.conductor.nextRegistrationID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

// TestMalformedFrame verifies decode failures answer with an error rather
// than wedging the conductor
func TestMalformedFrame(t *testing.T) {
	h := newHarness(t)

	h.write(command.TypeAddPublication, []byte{1, 2, 3})
	h.doWork()

	errResp := h.lastOfType(command.TypeOnError).(*command.ErrorResponse)
	assert.Equal(t, command.ErrMalformedCommand, errResp.Code)

	// The conductor keeps serving
	h.clearEvents()
	h.addPublication(testClientID, 7, "aeron:udp?endpoint=127.0.0.1:40124", false)
	assert.NotEmpty(t, h.eventsOfType(command.TypeOnPublicationReady))
}

// TestUntetheredSubscriberDemotionAndRejoin verifies the linger/resting
// cycle of a tether=false subscriber on an IPC publication
func TestUntetheredSubscriberDemotionAndRejoin(t *testing.T) {
	h := newHarness(t)

	subID := h.addSubscription(testClientID, 42, "aeron:ipc?tether=false")
	h.addPublication(testClientID2, 42, "aeron:ipc", false)
	require.Len(t, h.conductor.ipcPublications, 1)
	pub := h.conductor.ipcPublications[0]

	// The producer runs far ahead of the stalled subscriber
	pub.publisherPosition.Set(int64(pub.termWindowLength) * 4)
	h.clearEvents()

	deadline := h.cfg.UntetheredWindowLimitTimeout + time.Second
	for i := 0; i < 25 && len(h.eventsOfType(command.TypeOnUnavailableImage)) == 0; i++ {
		h.keepalive(testClientID)
		h.keepalive(testClientID2)
		h.advance(deadline / 5)
	}

	unavailable := h.lastOfType(command.TypeOnUnavailableImage).(*command.UnavailableImage)
	assert.Equal(t, subID, unavailable.SubscriberRegistrationID)

	// After resting, the rejoin announces the image again at a fresh position
	h.clearEvents()
	for i := 0; i < 40 && len(h.eventsOfType(command.TypeOnAvailableImage)) == 0; i++ {
		h.keepalive(testClientID)
		h.keepalive(testClientID2)
		h.advance(deadline / 5)
	}

	available := h.lastOfType(command.TypeOnAvailableImage).(*command.AvailableImage)
	assert.Equal(t, subID, available.SubscriberRegistrationID)
}

// TestTerminateDriver verifies the validator gates the termination hook
func TestTerminateDriver(t *testing.T) {
	terminated := false
	h := newHarness(t)
	h.conductor.terminationValidator = func(token []byte) bool { return string(token) == "letmein" }
	h.conductor.terminationHook = func() { terminated = true }

	msg := &command.TerminateDriverMessage{
		Correlated: command.Correlated{ClientID: testClientID, CorrelationID: h.correlation()},
		Token:      []byte("wrong"),
	}
	h.write(command.TypeTerminateDriver, msg.Marshal())
	h.doWork()
	assert.False(t, terminated)

	msg.Token = []byte("letmein")
	h.write(command.TypeTerminateDriver, msg.Marshal())
	h.doWork()
	assert.True(t, terminated)
}

type fixedResolver struct {
	addr *net.UDPAddr
}

func (r fixedResolver) ResolveEndpoint(name string) (*net.UDPAddr, error) { return r.addr, nil }
func (r fixedResolver) ResolveControl(name string) (*net.UDPAddr, error)  { return r.addr, nil }
func (r fixedResolver) DoWork(nowMs int64) int                            { return 0 }

// TestReResolveEndpoint verifies re-resolution to an unchanged address is a
// no-op while a changed address posts exactly one resolution change
func TestReResolveEndpoint(t *testing.T) {
	h := newHarness(t)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40123}
	h.conductor.nameResolver = fixedResolver{addr: addr}

	h.conductor.Proxy().OnReResolveEndpoint(ReResolveEndpointEvent{
		Endpoint:    "host-a:40123",
		PrevAddress: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40123},
	})
	h.doWork()

	unchanged := 0
	h.sender.Drain(func(m SenderMessage) {
		if _, ok := m.(ResolutionChangeMessage); ok {
			unchanged++
		}
	}, 10)
	assert.Equal(t, 0, unchanged)

	h.conductor.Proxy().OnReResolveEndpoint(ReResolveEndpointEvent{
		Endpoint:    "host-a:40123",
		PrevAddress: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40123},
	})
	h.doWork()

	var changes []ResolutionChangeMessage
	h.sender.Drain(func(m SenderMessage) {
		if msg, ok := m.(ResolutionChangeMessage); ok {
			changes = append(changes, msg)
		}
	}, 10)
	require.Len(t, changes, 1)
	assert.True(t, addr.IP.Equal(changes[0].Address.IP))
	assert.Equal(t, "host-a:40123", changes[0].Name)
}

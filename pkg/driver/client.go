package driver

import (
	"fmt"

	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/metrics"
)

// AeronClient is a connected client process. Created on the first command
// that references its id; ends on liveness timeout or explicit close.
type AeronClient struct {
	clientID          int64
	timeOfLastKeepaliveMs int64
	livenessDeadlineNs int64
	livenessTimeoutNs int64
	heartbeatCounter  *counters.Counter
	closedByCommand   bool
	reachedEndOfLife  bool
}

func newAeronClient(clientID int64, nowMs, nowNs, livenessTimeoutNs int64, heartbeat *counters.Counter) *AeronClient {
	client := &AeronClient{
		clientID:          clientID,
		livenessTimeoutNs: livenessTimeoutNs,
		heartbeatCounter:  heartbeat,
	}
	client.timeOfLastKeepalive(nowMs, nowNs)
	return client
}

// ClientID returns the client's 64-bit id
func (c *AeronClient) ClientID() int64 {
	return c.clientID
}

// timeOfLastKeepalive records a keepalive observation. The published epoch
// timestamp is monotonic per client; expiry is decided on the nano clock.
func (c *AeronClient) timeOfLastKeepalive(nowMs, nowNs int64) {
	if nowMs > c.timeOfLastKeepaliveMs {
		c.timeOfLastKeepaliveMs = nowMs
		c.heartbeatCounter.Set(nowMs)
	}
	c.livenessDeadlineNs = nowNs + c.livenessTimeoutNs
}

// onClose marks the client closed by an explicit command; the next
// heartbeat pass releases everything it owns
func (c *AeronClient) onClose() {
	c.closedByCommand = true
}

func (c *AeronClient) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	if c.closedByCommand || nowNs > c.livenessDeadlineNs {
		c.reachedEndOfLife = true
	}
}

func (c *AeronClient) HasReachedEndOfLife() bool {
	return c.reachedEndOfLife
}

func (c *AeronClient) Free() bool {
	return true
}

func (c *AeronClient) Close(conductor *Conductor) {
	c.heartbeatCounter.Close()
	conductor.onClientRemoved(c)
}

// PublicationLink registers one client's interest in keeping a publication
// alive. A publication whose links are all gone enters its terminal
// lifecycle.
type PublicationLink struct {
	registrationID int64
	client         *AeronClient
	publication    publicationReference
	reachedEndOfLife bool
}

// publicationReference is the common handle over network and IPC
// publications that links and registries need
type publicationReference interface {
	RegistrationID() int64
	incRef()
	decRef()
}

func newPublicationLink(registrationID int64, client *AeronClient, publication publicationReference) *PublicationLink {
	return &PublicationLink{
		registrationID: registrationID,
		client:         client,
		publication:    publication,
	}
}

// close drops the link's reference on the publication
func (l *PublicationLink) close() {
	l.publication.decRef()
}

func (l *PublicationLink) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	if l.client.HasReachedEndOfLife() {
		l.reachedEndOfLife = true
	}
}

func (l *PublicationLink) HasReachedEndOfLife() bool {
	return l.reachedEndOfLife
}

func (l *PublicationLink) Free() bool {
	return true
}

func (l *PublicationLink) Close(conductor *Conductor) {
	l.close()
}

// CounterLink is a client-owned named counter
type CounterLink struct {
	registrationID int64
	counterID      int32
	client         *AeronClient
	counter        *counters.Counter
	reachedEndOfLife bool
}

func newCounterLink(registrationID int64, client *AeronClient, counter *counters.Counter) *CounterLink {
	return &CounterLink{
		registrationID: registrationID,
		counterID:      counter.ID(),
		client:         client,
		counter:        counter,
	}
}

func (l *CounterLink) OnTimeEvent(nowNs, nowMs int64, conductor *Conductor) {
	if l.client.HasReachedEndOfLife() {
		l.reachedEndOfLife = true
	}
}

func (l *CounterLink) HasReachedEndOfLife() bool {
	return l.reachedEndOfLife
}

func (l *CounterLink) Free() bool {
	return true
}

func (l *CounterLink) Close(conductor *Conductor) {
	conductor.clientProxy.OnUnavailableCounter(l.registrationID, l.counterID)
	l.counter.Close()
}

// clientHeartbeatLabel formats the heartbeat counter label
func clientHeartbeatLabel(clientID int64) string {
	return fmt.Sprintf("Client heartbeat: id=%d", clientID)
}

func observeClientAdded() {
	metrics.ClientsTotal.Inc()
}

func observeClientRemoved() {
	metrics.ClientsTotal.Dec()
}

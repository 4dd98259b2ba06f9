package driver

import "net"

// conductorEvent is work posted by the sender or receiver that must run on
// the conductor thread. Each variant is explicit so the cross-thread
// surface is enumerable.
type conductorEvent interface {
	apply(c *Conductor)
}

// CreatePublicationImageEvent reports a publisher first seen by the receiver
type CreatePublicationImageEvent struct {
	SessionID      int32
	StreamID       int32
	InitialTermID  int32
	ActiveTermID   int32
	TermOffset     int32
	TermLength     int32
	MTULength      int32
	TransportIsMulticast bool
	Endpoint       *ReceiveChannelEndpoint
	SourceIdentity string
}

func (e CreatePublicationImageEvent) apply(c *Conductor) {
	c.onCreatePublicationImage(e)
}

// ChannelEndpointErrorEvent reports a socket-layer failure against a status
// indicator
type ChannelEndpointErrorEvent struct {
	StatusIndicatorID int32
	Err               error
}

func (e ChannelEndpointErrorEvent) apply(c *Conductor) {
	c.onChannelEndpointError(e)
}

// ReResolveEndpointEvent asks the conductor to re-resolve a send endpoint
// name that stopped responding
type ReResolveEndpointEvent struct {
	Endpoint    string
	SendEndpoint *SendChannelEndpoint
	PrevAddress *net.UDPAddr
}

func (e ReResolveEndpointEvent) apply(c *Conductor) {
	c.onReResolveEndpoint(e)
}

// ReResolveControlEvent asks the conductor to re-resolve a receive control
// name that stopped responding
type ReResolveControlEvent struct {
	Control        string
	ReceiveEndpoint *ReceiveChannelEndpoint
	PrevAddress    *net.UDPAddr
}

func (e ReResolveControlEvent) apply(c *Conductor) {
	c.onReResolveControl(e)
}

// DriverConductorProxy is the handle sender and receiver use to schedule
// conductor-thread work
type DriverConductorProxy struct {
	queue *eventQueue[conductorEvent]
}

func newDriverConductorProxy(capacity int) *DriverConductorProxy {
	return &DriverConductorProxy{queue: newEventQueue[conductorEvent](capacity)}
}

// OnCreatePublicationImage posts an image creation request
func (p *DriverConductorProxy) OnCreatePublicationImage(e CreatePublicationImageEvent) {
	p.queue.Offer(e)
}

// OnChannelEndpointError posts a socket failure report
func (p *DriverConductorProxy) OnChannelEndpointError(e ChannelEndpointErrorEvent) {
	p.queue.Offer(e)
}

// OnReResolveEndpoint posts an endpoint re-resolution request
func (p *DriverConductorProxy) OnReResolveEndpoint(e ReResolveEndpointEvent) {
	p.queue.Offer(e)
}

// OnReResolveControl posts a control re-resolution request
func (p *DriverConductorProxy) OnReResolveControl(e ReResolveControlEvent) {
	p.queue.Offer(e)
}

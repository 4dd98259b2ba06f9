package driver

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/log"
	"github.com/cuemby/strand/pkg/metrics"
)

// ClientProxy formats and transmits responses and notifications to client
// processes. Transmission order is the conductor's emission order; the
// broadcast transport preserves it per listener.
type ClientProxy struct {
	transmitter command.Transmitter
	logger      zerolog.Logger
}

// NewClientProxy creates a proxy over the broadcast transmitter
func NewClientProxy(transmitter command.Transmitter) *ClientProxy {
	return &ClientProxy{
		transmitter: transmitter,
		logger:      log.WithComponent("client-proxy"),
	}
}

// OnError reports a failed command
func (p *ClientProxy) OnError(correlationID int64, code command.ErrorCode, message string) {
	p.logger.Debug().
		Int64("correlation_id", correlationID).
		Str("code", code.String()).
		Str("error", message).
		Msg("Command failed")
	metrics.ErrorsTotal.WithLabelValues(code.String()).Inc()

	msg := &command.ErrorResponse{OffendingCorrelationID: correlationID, Code: code, Message: message}
	p.transmitter.Transmit(command.TypeOnError, msg.Marshal())
}

// OperationSucceeded acknowledges a command with no richer response
func (p *ClientProxy) OperationSucceeded(correlationID int64) {
	msg := &command.OperationSucceeded{CorrelationID: correlationID}
	p.transmitter.Transmit(command.TypeOnOperationSuccess, msg.Marshal())
}

// OnPublicationReady reports a publication's identity and log to its client
func (p *ClientProxy) OnPublicationReady(correlationID, registrationID int64, sessionID, streamID int32,
	publisherLimitID, channelStatusID int32, isExclusive bool, logFileName string) {

	msg := &command.PublicationReady{
		CorrelationID:           correlationID,
		RegistrationID:          registrationID,
		SessionID:               sessionID,
		StreamID:                streamID,
		PublisherLimitCounterID: publisherLimitID,
		ChannelStatusCounterID:  channelStatusID,
		IsExclusive:             isExclusive,
		LogFileName:             logFileName,
	}
	p.transmitter.Transmit(command.TypeOnPublicationReady, msg.Marshal())
}

// OnSubscriptionReady acknowledges a subscription
func (p *ClientProxy) OnSubscriptionReady(correlationID int64, channelStatusID int32) {
	msg := &command.SubscriptionReady{CorrelationID: correlationID, ChannelStatusCounterID: channelStatusID}
	p.transmitter.Transmit(command.TypeOnSubscriptionReady, msg.Marshal())
}

// OnAvailableImage notifies one subscriber of a newly linked image
func (p *ClientProxy) OnAvailableImage(correlationID int64, sessionID, streamID int32,
	subscriberRegistrationID int64, positionCounterID int32, logFileName, sourceIdentity string) {

	msg := &command.AvailableImage{
		CorrelationID:            correlationID,
		SessionID:                sessionID,
		StreamID:                 streamID,
		SubscriberRegistrationID: subscriberRegistrationID,
		SubscriberPositionID:     positionCounterID,
		LogFileName:              logFileName,
		SourceIdentity:           sourceIdentity,
	}
	p.transmitter.Transmit(command.TypeOnAvailableImage, msg.Marshal())
}

// OnUnavailableImage notifies one subscriber that an image has ended
func (p *ClientProxy) OnUnavailableImage(correlationID, subscriberRegistrationID int64, streamID int32, channel string) {
	msg := &command.UnavailableImage{
		CorrelationID:            correlationID,
		SubscriberRegistrationID: subscriberRegistrationID,
		StreamID:                 streamID,
		Channel:                  channel,
	}
	p.transmitter.Transmit(command.TypeOnUnavailableImage, msg.Marshal())
}

// OnCounterReady reports an allocated counter
func (p *ClientProxy) OnCounterReady(correlationID int64, counterID int32) {
	msg := &command.CounterReady{CorrelationID: correlationID, CounterID: counterID}
	p.transmitter.Transmit(command.TypeOnCounterReady, msg.Marshal())
}

// OnUnavailableCounter reports a removed counter
func (p *ClientProxy) OnUnavailableCounter(registrationID int64, counterID int32) {
	msg := &command.UnavailableCounter{RegistrationID: registrationID, CounterID: counterID}
	p.transmitter.Transmit(command.TypeOnUnavailableCounter, msg.Marshal())
}

// OnClientTimeout notifies that the driver expired a client
func (p *ClientProxy) OnClientTimeout(clientID int64) {
	p.logger.Warn().Int64("client_id", clientID).Msg("Client timed out")
	msg := &command.ClientTimeout{ClientID: clientID}
	p.transmitter.Transmit(command.TypeOnClientTimeout, msg.Marshal())
}

package driver

import (
	"github.com/cuemby/strand/pkg/channel"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/metrics"
)

// onCommand decodes and dispatches one client command frame. Every failure
// is converted to an error notification for the offending correlation id;
// the conductor never aborts on client input.
func (c *Conductor) onCommand(msgType command.Type, payload []byte) {
	metrics.ClientCommandsTotal.WithLabelValues(msgType.String()).Inc()

	correlationID, err := c.dispatch(msgType, payload)
	if err != nil {
		c.systemCounters.errors.Increment()
		c.clientProxy.OnError(correlationID, ErrorCodeOf(err), err.Error())
	}
}

// dispatch returns the command's correlation id along with any failure so
// the error notification can name the offending command
func (c *Conductor) dispatch(msgType command.Type, payload []byte) (int64, error) {
	switch msgType {
	case command.TypeAddPublication, command.TypeAddExclusivePublication:
		msg, err := command.UnmarshalPublicationMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		isExclusive := msgType == command.TypeAddExclusivePublication
		uri, err := channel.ParseURI(msg.Channel)
		if err != nil {
			return msg.CorrelationID, InvalidChannel(err)
		}
		if uri.IsSpy() {
			return msg.CorrelationID, NewDriverError(command.ErrInvalidChannel,
				"cannot publish to a spy channel: %s", msg.Channel)
		}
		if uri.IsIPC() {
			return msg.CorrelationID, c.onAddIpcPublication(client, msg.CorrelationID,
				msg.StreamID, uri, msg.Channel, isExclusive)
		}
		return msg.CorrelationID, c.onAddNetworkPublication(client, msg.CorrelationID,
			msg.StreamID, uri, msg.Channel, isExclusive)

	case command.TypeRemovePublication:
		msg, err := command.UnmarshalRemoveMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onRemovePublication(client, msg.CorrelationID, msg.RegistrationID)

	case command.TypeAddSubscription:
		msg, err := command.UnmarshalSubscriptionMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		uri, err := channel.ParseURI(msg.Channel)
		if err != nil {
			return msg.CorrelationID, InvalidChannel(err)
		}
		return msg.CorrelationID, c.onAddSubscription(client, msg.CorrelationID, msg.StreamID, uri, msg.Channel)

	case command.TypeRemoveSubscription:
		msg, err := command.UnmarshalRemoveMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onRemoveSubscription(client, msg.CorrelationID, msg.RegistrationID)

	case command.TypeAddDestination:
		msg, err := command.UnmarshalDestinationMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onAddDestination(client, msg.CorrelationID, msg.RegistrationID, msg.Channel)

	case command.TypeRemoveDestination:
		msg, err := command.UnmarshalDestinationMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onRemoveDestination(client, msg.CorrelationID, msg.RegistrationID, msg.Channel)

	case command.TypeAddRcvDestination:
		msg, err := command.UnmarshalDestinationMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onAddRcvDestination(client, msg.CorrelationID, msg.RegistrationID, msg.Channel)

	case command.TypeRemoveRcvDestination:
		msg, err := command.UnmarshalDestinationMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onRemoveRcvDestination(client, msg.CorrelationID, msg.RegistrationID, msg.Channel)

	case command.TypeClientKeepalive:
		msg, err := command.UnmarshalCorrelatedMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		c.onClientKeepalive(msg.ClientID)
		return msg.CorrelationID, nil

	case command.TypeClientClose:
		msg, err := command.UnmarshalCorrelatedMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		c.onClientClose(msg.ClientID)
		return msg.CorrelationID, nil

	case command.TypeAddCounter:
		msg, err := command.UnmarshalCounterMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onAddCounter(client, msg.CorrelationID, msg.TypeID, msg.Key, msg.Label)

	case command.TypeRemoveCounter:
		msg, err := command.UnmarshalRemoveMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		client, err := c.touchClient(msg.ClientID)
		if err != nil {
			return msg.CorrelationID, err
		}
		return msg.CorrelationID, c.onRemoveCounter(client, msg.CorrelationID, msg.RegistrationID)

	case command.TypeTerminateDriver:
		msg, err := command.UnmarshalTerminateDriverMessage(payload)
		if err != nil {
			return 0, malformed(err)
		}
		c.onTerminateDriver(msg.CorrelationID, msg.Token)
		return msg.CorrelationID, nil

	default:
		return 0, NewDriverError(command.ErrUnknownCommand, "unknown command type: %d", msgType)
	}
}

// touchClient resolves the client record and refreshes its liveness; any
// command counts as a keepalive
func (c *Conductor) touchClient(clientID int64) (*AeronClient, error) {
	client, err := c.getOrAddClient(clientID)
	if err != nil {
		return nil, err
	}
	client.timeOfLastKeepalive(c.cachedEpoch.Time(), c.cachedNano.NanoTime())
	return client, nil
}

func malformed(err error) error {
	return NewDriverError(command.ErrMalformedCommand, "malformed command frame: %v", err)
}

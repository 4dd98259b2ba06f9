package command

// Type identifies a control protocol message on the wire
type Type int32

// Client command type ids
const (
	TypeAddPublication          Type = 0x01
	TypeRemovePublication       Type = 0x02
	TypeAddExclusivePublication Type = 0x03
	TypeAddSubscription         Type = 0x04
	TypeRemoveSubscription      Type = 0x05
	TypeClientKeepalive         Type = 0x06
	TypeAddDestination          Type = 0x07
	TypeRemoveDestination       Type = 0x08
	TypeAddCounter              Type = 0x09
	TypeRemoveCounter           Type = 0x0A
	TypeClientClose             Type = 0x0B
	TypeAddRcvDestination       Type = 0x0C
	TypeRemoveRcvDestination    Type = 0x0D
	TypeTerminateDriver         Type = 0x0E
)

// Driver response and notification type ids
const (
	TypeOnError              Type = 0x0F01
	TypeOnAvailableImage     Type = 0x0F02
	TypeOnPublicationReady   Type = 0x0F03
	TypeOnOperationSuccess   Type = 0x0F04
	TypeOnUnavailableImage   Type = 0x0F05
	TypeOnSubscriptionReady  Type = 0x0F07
	TypeOnCounterReady       Type = 0x0F08
	TypeOnUnavailableCounter Type = 0x0F09
	TypeOnClientTimeout      Type = 0x0F0A
)

// String returns the command name for logging and metrics labels
func (t Type) String() string {
	switch t {
	case TypeAddPublication:
		return "add-publication"
	case TypeRemovePublication:
		return "remove-publication"
	case TypeAddExclusivePublication:
		return "add-exclusive-publication"
	case TypeAddSubscription:
		return "add-subscription"
	case TypeRemoveSubscription:
		return "remove-subscription"
	case TypeClientKeepalive:
		return "client-keepalive"
	case TypeAddDestination:
		return "add-destination"
	case TypeRemoveDestination:
		return "remove-destination"
	case TypeAddCounter:
		return "add-counter"
	case TypeRemoveCounter:
		return "remove-counter"
	case TypeClientClose:
		return "client-close"
	case TypeAddRcvDestination:
		return "add-rcv-destination"
	case TypeRemoveRcvDestination:
		return "remove-rcv-destination"
	case TypeTerminateDriver:
		return "terminate-driver"
	case TypeOnError:
		return "on-error"
	case TypeOnAvailableImage:
		return "on-available-image"
	case TypeOnPublicationReady:
		return "on-publication-ready"
	case TypeOnOperationSuccess:
		return "on-operation-success"
	case TypeOnUnavailableImage:
		return "on-unavailable-image"
	case TypeOnSubscriptionReady:
		return "on-subscription-ready"
	case TypeOnCounterReady:
		return "on-counter-ready"
	case TypeOnUnavailableCounter:
		return "on-unavailable-counter"
	case TypeOnClientTimeout:
		return "on-client-timeout"
	default:
		return "unknown"
	}
}

// ErrorCode is the taxonomy carried in ErrorResponse frames
type ErrorCode int32

const (
	ErrGeneric ErrorCode = iota
	ErrInvalidChannel
	ErrUnknownSubscription
	ErrUnknownPublication
	ErrChannelEndpoint
	ErrUnknownCounter
	ErrUnknownCommand
	ErrMalformedCommand
	ErrNotSupported
	ErrStorageSpace
	ErrInternalInvariant
)

// String returns the error code name for metrics labels
func (c ErrorCode) String() string {
	switch c {
	case ErrGeneric:
		return "generic"
	case ErrInvalidChannel:
		return "invalid-channel"
	case ErrUnknownSubscription:
		return "unknown-subscription"
	case ErrUnknownPublication:
		return "unknown-publication"
	case ErrChannelEndpoint:
		return "channel-endpoint"
	case ErrUnknownCounter:
		return "unknown-counter"
	case ErrUnknownCommand:
		return "unknown-command"
	case ErrMalformedCommand:
		return "malformed-command"
	case ErrNotSupported:
		return "not-supported"
	case ErrStorageSpace:
		return "storage-space"
	case ErrInternalInvariant:
		return "internal-invariant"
	default:
		return "unknown"
	}
}

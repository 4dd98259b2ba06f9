package command

// ErrorResponse reports a failed command to the offending client
type ErrorResponse struct {
	OffendingCorrelationID int64
	Code                   ErrorCode
	Message                string
}

func (m *ErrorResponse) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.OffendingCorrelationID)
	e.putInt32(int32(m.Code))
	e.putString(m.Message)
	return e.buf
}

// UnmarshalErrorResponse decodes an ErrorResponse payload
func UnmarshalErrorResponse(buf []byte) (*ErrorResponse, error) {
	d := &decoder{buf: buf}
	m := &ErrorResponse{}
	m.OffendingCorrelationID = d.int64()
	m.Code = ErrorCode(d.int32())
	m.Message = d.string()
	return m, d.err
}

// PublicationReady answers a successful add-publication
type PublicationReady struct {
	CorrelationID            int64
	RegistrationID           int64
	SessionID                int32
	StreamID                 int32
	PublisherLimitCounterID  int32
	ChannelStatusCounterID   int32
	IsExclusive              bool
	LogFileName              string
}

func (m *PublicationReady) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	e.putInt64(m.RegistrationID)
	e.putInt32(m.SessionID)
	e.putInt32(m.StreamID)
	e.putInt32(m.PublisherLimitCounterID)
	e.putInt32(m.ChannelStatusCounterID)
	e.putBool(m.IsExclusive)
	e.putString(m.LogFileName)
	return e.buf
}

// UnmarshalPublicationReady decodes a PublicationReady payload
func UnmarshalPublicationReady(buf []byte) (*PublicationReady, error) {
	d := &decoder{buf: buf}
	m := &PublicationReady{}
	m.CorrelationID = d.int64()
	m.RegistrationID = d.int64()
	m.SessionID = d.int32()
	m.StreamID = d.int32()
	m.PublisherLimitCounterID = d.int32()
	m.ChannelStatusCounterID = d.int32()
	m.IsExclusive = d.bool()
	m.LogFileName = d.string()
	return m, d.err
}

// SubscriptionReady answers a successful add-subscription
type SubscriptionReady struct {
	CorrelationID          int64
	ChannelStatusCounterID int32
}

func (m *SubscriptionReady) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	e.putInt32(m.ChannelStatusCounterID)
	return e.buf
}

// UnmarshalSubscriptionReady decodes a SubscriptionReady payload
func UnmarshalSubscriptionReady(buf []byte) (*SubscriptionReady, error) {
	d := &decoder{buf: buf}
	m := &SubscriptionReady{}
	m.CorrelationID = d.int64()
	m.ChannelStatusCounterID = d.int32()
	return m, d.err
}

// OperationSucceeded acknowledges a command with no richer response
type OperationSucceeded struct {
	CorrelationID int64
}

func (m *OperationSucceeded) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	return e.buf
}

// UnmarshalOperationSucceeded decodes an OperationSucceeded payload
func UnmarshalOperationSucceeded(buf []byte) (*OperationSucceeded, error) {
	d := &decoder{buf: buf}
	m := &OperationSucceeded{}
	m.CorrelationID = d.int64()
	return m, d.err
}

// AvailableImage notifies one subscriber of a newly linked image
type AvailableImage struct {
	CorrelationID            int64
	SessionID                int32
	StreamID                 int32
	SubscriberRegistrationID int64
	SubscriberPositionID     int32
	LogFileName              string
	SourceIdentity           string
}

func (m *AvailableImage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	e.putInt32(m.SessionID)
	e.putInt32(m.StreamID)
	e.putInt64(m.SubscriberRegistrationID)
	e.putInt32(m.SubscriberPositionID)
	e.putString(m.LogFileName)
	e.putString(m.SourceIdentity)
	return e.buf
}

// UnmarshalAvailableImage decodes an AvailableImage payload
func UnmarshalAvailableImage(buf []byte) (*AvailableImage, error) {
	d := &decoder{buf: buf}
	m := &AvailableImage{}
	m.CorrelationID = d.int64()
	m.SessionID = d.int32()
	m.StreamID = d.int32()
	m.SubscriberRegistrationID = d.int64()
	m.SubscriberPositionID = d.int32()
	m.LogFileName = d.string()
	m.SourceIdentity = d.string()
	return m, d.err
}

// UnavailableImage notifies one subscriber that an image has ended
type UnavailableImage struct {
	CorrelationID            int64
	SubscriberRegistrationID int64
	StreamID                 int32
	Channel                  string
}

func (m *UnavailableImage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	e.putInt64(m.SubscriberRegistrationID)
	e.putInt32(m.StreamID)
	e.putString(m.Channel)
	return e.buf
}

// UnmarshalUnavailableImage decodes an UnavailableImage payload
func UnmarshalUnavailableImage(buf []byte) (*UnavailableImage, error) {
	d := &decoder{buf: buf}
	m := &UnavailableImage{}
	m.CorrelationID = d.int64()
	m.SubscriberRegistrationID = d.int64()
	m.StreamID = d.int32()
	m.Channel = d.string()
	return m, d.err
}

// CounterReady answers a successful add-counter
type CounterReady struct {
	CorrelationID int64
	CounterID     int32
}

func (m *CounterReady) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.CorrelationID)
	e.putInt32(m.CounterID)
	return e.buf
}

// UnmarshalCounterReady decodes a CounterReady payload
func UnmarshalCounterReady(buf []byte) (*CounterReady, error) {
	d := &decoder{buf: buf}
	m := &CounterReady{}
	m.CorrelationID = d.int64()
	m.CounterID = d.int32()
	return m, d.err
}

// UnavailableCounter notifies that a counter has been removed
type UnavailableCounter struct {
	RegistrationID int64
	CounterID      int32
}

func (m *UnavailableCounter) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.RegistrationID)
	e.putInt32(m.CounterID)
	return e.buf
}

// UnmarshalUnavailableCounter decodes an UnavailableCounter payload
func UnmarshalUnavailableCounter(buf []byte) (*UnavailableCounter, error) {
	d := &decoder{buf: buf}
	m := &UnavailableCounter{}
	m.RegistrationID = d.int64()
	m.CounterID = d.int32()
	return m, d.err
}

// ClientTimeout notifies that the driver expired a client
type ClientTimeout struct {
	ClientID int64
}

func (m *ClientTimeout) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	return e.buf
}

// UnmarshalClientTimeout decodes a ClientTimeout payload
func UnmarshalClientTimeout(buf []byte) (*ClientTimeout, error) {
	d := &decoder{buf: buf}
	m := &ClientTimeout{}
	m.ClientID = d.int64()
	return m, d.err
}

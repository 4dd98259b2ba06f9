package command

// Correlated is the header every client command carries
type Correlated struct {
	ClientID      int64
	CorrelationID int64
}

// PublicationMessage adds a publication (shared or exclusive by type id)
type PublicationMessage struct {
	Correlated
	StreamID int32
	Channel  string
}

// Marshal encodes the message payload
func (m *PublicationMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putInt32(m.StreamID)
	e.putString(m.Channel)
	return e.buf
}

// UnmarshalPublicationMessage decodes a PublicationMessage payload
func UnmarshalPublicationMessage(buf []byte) (*PublicationMessage, error) {
	d := &decoder{buf: buf}
	m := &PublicationMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.StreamID = d.int32()
	m.Channel = d.string()
	return m, d.err
}

// SubscriptionMessage adds a subscription
type SubscriptionMessage struct {
	Correlated
	StreamID int32
	Channel  string
}

func (m *SubscriptionMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putInt32(m.StreamID)
	e.putString(m.Channel)
	return e.buf
}

// UnmarshalSubscriptionMessage decodes a SubscriptionMessage payload
func UnmarshalSubscriptionMessage(buf []byte) (*SubscriptionMessage, error) {
	d := &decoder{buf: buf}
	m := &SubscriptionMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.StreamID = d.int32()
	m.Channel = d.string()
	return m, d.err
}

// RemoveMessage removes a publication, subscription, or counter by its
// registration id
type RemoveMessage struct {
	Correlated
	RegistrationID int64
}

func (m *RemoveMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putInt64(m.RegistrationID)
	return e.buf
}

// UnmarshalRemoveMessage decodes a RemoveMessage payload
func UnmarshalRemoveMessage(buf []byte) (*RemoveMessage, error) {
	d := &decoder{buf: buf}
	m := &RemoveMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.RegistrationID = d.int64()
	return m, d.err
}

// DestinationMessage adds or removes a destination against a registration
type DestinationMessage struct {
	Correlated
	RegistrationID int64
	Channel        string
}

func (m *DestinationMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putInt64(m.RegistrationID)
	e.putString(m.Channel)
	return e.buf
}

// UnmarshalDestinationMessage decodes a DestinationMessage payload
func UnmarshalDestinationMessage(buf []byte) (*DestinationMessage, error) {
	d := &decoder{buf: buf}
	m := &DestinationMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.RegistrationID = d.int64()
	m.Channel = d.string()
	return m, d.err
}

// CounterMessage adds a client-owned named counter
type CounterMessage struct {
	Correlated
	TypeID int32
	Key    []byte
	Label  string
}

func (m *CounterMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putInt32(m.TypeID)
	e.putBytes(m.Key)
	e.putString(m.Label)
	return e.buf
}

// UnmarshalCounterMessage decodes a CounterMessage payload
func UnmarshalCounterMessage(buf []byte) (*CounterMessage, error) {
	d := &decoder{buf: buf}
	m := &CounterMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.TypeID = d.int32()
	m.Key = d.bytes()
	m.Label = d.string()
	return m, d.err
}

// CorrelatedMessage is the bare header, used by keepalive and client close
type CorrelatedMessage struct {
	Correlated
}

func (m *CorrelatedMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	return e.buf
}

// UnmarshalCorrelatedMessage decodes a CorrelatedMessage payload
func UnmarshalCorrelatedMessage(buf []byte) (*CorrelatedMessage, error) {
	d := &decoder{buf: buf}
	m := &CorrelatedMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	return m, d.err
}

// TerminateDriverMessage requests driver termination with an authorization
// token
type TerminateDriverMessage struct {
	Correlated
	Token []byte
}

func (m *TerminateDriverMessage) Marshal() []byte {
	e := &encoder{}
	e.putInt64(m.ClientID)
	e.putInt64(m.CorrelationID)
	e.putBytes(m.Token)
	return e.buf
}

// UnmarshalTerminateDriverMessage decodes a TerminateDriverMessage payload
func UnmarshalTerminateDriverMessage(buf []byte) (*TerminateDriverMessage, error) {
	d := &decoder{buf: buf}
	m := &TerminateDriverMessage{}
	m.ClientID = d.int64()
	m.CorrelationID = d.int64()
	m.Token = d.bytes()
	return m, d.err
}

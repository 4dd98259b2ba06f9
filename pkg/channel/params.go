package channel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/strand/pkg/config"
	"github.com/cuemby/strand/pkg/logbuffer"
)

// InferableBool is a tri-state boolean whose unset value is resolved from
// an observed property, used for the group (multicast-ness) flag
type InferableBool int32

const (
	ForceFalse InferableBool = iota
	ForceTrue
	Infer
)

// ParseInferableBool parses "true", "false", or "infer" (default infer)
func ParseInferableBool(s string) (InferableBool, error) {
	switch s {
	case "", "infer":
		return Infer, nil
	case "true":
		return ForceTrue, nil
	case "false":
		return ForceFalse, nil
	default:
		return Infer, fmt.Errorf("value %q is not an inferable boolean", s)
	}
}

// PublicationParams are the validated creation parameters of a publication
type PublicationParams struct {
	TermLength    int32
	MTULength     int32
	LingerTimeout time.Duration
	HasLinger     bool

	HasSessionID bool
	SessionID    int32

	// Explicit starting position. When HasPosition is set all three of
	// InitialTermID, TermID, and TermOffset were supplied.
	HasPosition   bool
	InitialTermID int32
	TermID        int32
	TermOffset    int32

	IsSparse                bool
	SpiesSimulateConnection bool

	HasEntityTag bool
	EntityTag    int64
}

// SubscriptionParams are the validated creation parameters of a subscription
type SubscriptionParams struct {
	IsReliable bool
	IsRejoin   bool
	IsSparse   bool
	IsTether   bool
	Group      InferableBool

	HasSessionID bool
	SessionID    int32

	ReceiverWindowLength int32
	SocketRcvbufLength   int32
	SocketSndbufLength   int32

	RcvTimestampOffset int32
	HasRcvTimestamp    bool
}

// DerivePublicationParams validates the URI and folds it over the driver
// defaults
func DerivePublicationParams(uri *URI, cfg *config.Config, isExclusive, isIpc bool) (*PublicationParams, error) {
	p := &PublicationParams{
		TermLength:              cfg.TermBufferLength,
		MTULength:               cfg.MTULength,
		IsSparse:                cfg.TermBufferSparseFile,
		SpiesSimulateConnection: cfg.SpiesSimulateConnection,
	}
	if isIpc {
		p.TermLength = cfg.IpcTermBufferLength
		p.MTULength = cfg.IpcMTULength
	}

	if v := uri.Get(KeyTermLength); v != "" {
		length, err := parseSize32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyTermLength, err)
		}
		if err := logbuffer.CheckTermLength(length); err != nil {
			return nil, err
		}
		p.TermLength = length
	}

	if v := uri.Get(KeyMTU); v != "" {
		mtu, err := parseSize32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyMTU, err)
		}
		p.MTULength = mtu
	}
	if err := validateMTU(p.MTULength); err != nil {
		return nil, err
	}
	if maxMessage := logbuffer.ComputeMaxMessageLength(p.TermLength); p.MTULength > maxMessage {
		return nil, fmt.Errorf("mtu %d exceeds max message length %d for term length %d",
			p.MTULength, maxMessage, p.TermLength)
	}

	if v := uri.Get(KeySessionID); v != "" {
		id, err := parseInt32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeySessionID, err)
		}
		p.HasSessionID = true
		p.SessionID = id
	}

	if v := uri.Get(KeyLinger); v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ns < 0 {
			return nil, fmt.Errorf("invalid %s: %q", KeyLinger, v)
		}
		p.HasLinger = true
		p.LingerTimeout = time.Duration(ns)
	}

	if v := uri.Get(KeySparse); v != "" {
		p.IsSparse = v == "true"
	}
	if v := uri.Get(KeySpiesSimulateConn); v != "" {
		p.SpiesSimulateConnection = v == "true"
	}

	if tag, ok := uri.EntityTag(); ok {
		id, err := strconv.ParseInt(tag, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entity tag %q", tag)
		}
		p.HasEntityTag = true
		p.EntityTag = id
	}

	hasInitialTermID := uri.Has(KeyInitialTermID)
	hasTermID := uri.Has(KeyTermID)
	hasTermOffset := uri.Has(KeyTermOffset)
	if hasInitialTermID || hasTermID || hasTermOffset {
		if !(hasInitialTermID && hasTermID && hasTermOffset) {
			return nil, fmt.Errorf("%s, %s, and %s must be supplied together",
				KeyInitialTermID, KeyTermID, KeyTermOffset)
		}
		if !isExclusive {
			return nil, fmt.Errorf("explicit position is only valid for exclusive publications")
		}

		initialTermID, err := parseInt32(uri.Get(KeyInitialTermID))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyInitialTermID, err)
		}
		termID, err := parseInt32(uri.Get(KeyTermID))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyTermID, err)
		}
		termOffset, err := parseInt32(uri.Get(KeyTermOffset))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyTermOffset, err)
		}

		if delta := termID - initialTermID; delta < 0 || delta > (1<<31)/2-1 {
			return nil, fmt.Errorf("term-id %d out of range of init-term-id %d", termID, initialTermID)
		}
		if termOffset < 0 || termOffset > p.TermLength {
			return nil, fmt.Errorf("term-offset %d outside term of length %d", termOffset, p.TermLength)
		}
		if termOffset&(logbuffer.FrameAlignment-1) != 0 {
			return nil, fmt.Errorf("term-offset %d not frame aligned", termOffset)
		}

		p.HasPosition = true
		p.InitialTermID = initialTermID
		p.TermID = termID
		p.TermOffset = termOffset
	}

	if !isIpc {
		if err := validatePublicationEndpoint(uri); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// DeriveSubscriptionParams validates the URI and folds it over the driver
// defaults
func DeriveSubscriptionParams(uri *URI, cfg *config.Config) (*SubscriptionParams, error) {
	p := &SubscriptionParams{
		IsReliable:           true,
		IsRejoin:             true,
		IsTether:             true,
		IsSparse:             cfg.TermBufferSparseFile,
		Group:                Infer,
		ReceiverWindowLength: cfg.InitialWindowLength,
	}

	if v := uri.Get(KeyReliable); v != "" {
		p.IsReliable = v == "true"
	}
	if v := uri.Get(KeyRejoin); v != "" {
		p.IsRejoin = v == "true"
	}
	if v := uri.Get(KeyTether); v != "" {
		p.IsTether = v == "true"
	}
	if v := uri.Get(KeySparse); v != "" {
		p.IsSparse = v == "true"
	}

	group, err := ParseInferableBool(uri.Get(KeyGroup))
	if err != nil {
		return nil, err
	}
	p.Group = group

	if v := uri.Get(KeySessionID); v != "" {
		id, err := parseInt32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeySessionID, err)
		}
		p.HasSessionID = true
		p.SessionID = id
	}

	if v := uri.Get(KeyReceiverWindowLength); v != "" {
		length, err := parseSize32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyReceiverWindowLength, err)
		}
		p.ReceiverWindowLength = length
	}
	if v := uri.Get(KeySocketRcvbufLength); v != "" {
		length, err := parseSize32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeySocketRcvbufLength, err)
		}
		p.SocketRcvbufLength = length
	}
	if v := uri.Get(KeySocketSndbufLength); v != "" {
		length, err := parseSize32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeySocketSndbufLength, err)
		}
		p.SocketSndbufLength = length
	}

	if uri.Has(KeyMediaRcvTimestampOffset) {
		return nil, fmt.Errorf("media receive timestamps are not supported")
	}
	if v := uri.Get(KeyRcvTimestampOffset); v != "" {
		offset, err := parseInt32(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyRcvTimestampOffset, err)
		}
		p.HasRcvTimestamp = true
		p.RcvTimestampOffset = offset
	}

	if uri.IsUDP() && !uri.IsSpy() {
		if err := validateSubscriptionEndpoint(uri); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// ValidateDestination enforces the restrictions on MDC/MDS destination URIs
func ValidateDestination(uri *URI, raw string) error {
	if uri.IsSpy() {
		return fmt.Errorf("destination must not be a spy channel: %s", raw)
	}
	for _, key := range []string{KeyMTU, KeyReceiverWindowLength, KeySocketRcvbufLength, KeySocketSndbufLength} {
		if uri.Has(key) {
			return fmt.Errorf("destination must not carry %s: %s", key, raw)
		}
	}
	if uri.IsUDP() {
		if endpoint := uri.Endpoint(); endpoint != "" && strings.HasSuffix(endpoint, ":0") {
			return fmt.Errorf("destination endpoint must have a non-zero port: %s", raw)
		}
	}
	return nil
}

func validatePublicationEndpoint(uri *URI) error {
	endpoint := uri.Endpoint()
	if endpoint == "" && uri.Control() == "" && !uri.IsManualControlMode() && !uri.IsDynamicControlMode() {
		return fmt.Errorf("udp publication requires an endpoint, control address, or control mode")
	}
	if endpoint != "" && PortOf(endpoint) == 0 {
		if !uri.IsManualControlMode() && !uri.IsDynamicControlMode() {
			return fmt.Errorf("publication endpoint port 0 requires manual or dynamic control mode")
		}
	}
	return nil
}

func validateSubscriptionEndpoint(uri *URI) error {
	if control := uri.Control(); control != "" && PortOf(control) == 0 {
		return fmt.Errorf("subscription control address must have a non-zero port")
	}
	if endpoint := uri.Endpoint(); endpoint == "" && uri.Control() == "" && !uri.IsManualControlMode() {
		return fmt.Errorf("udp subscription requires an endpoint, control address, or manual control mode")
	}
	return nil
}

func validateMTU(mtu int32) error {
	if mtu < logbuffer.DataFrameHeaderLength || mtu > logbuffer.MaxUDPPayloadLength {
		return fmt.Errorf("mtu %d outside [%d, %d]", mtu,
			logbuffer.DataFrameHeaderLength, logbuffer.MaxUDPPayloadLength)
	}
	if mtu&(logbuffer.FrameAlignment-1) != 0 {
		return fmt.Errorf("mtu %d not frame aligned", mtu)
	}
	return nil
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a 32-bit integer: %q", s)
	}
	return int32(v), nil
}

// parseSize32 parses a size with an optional k/m/g suffix
func parseSize32(s string) (int32, error) {
	multiplier := int64(1)
	num := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'k', 'K':
			multiplier = 1024
			num = s[:len(s)-1]
		case 'm', 'M':
			multiplier = 1024 * 1024
			num = s[:len(s)-1]
		case 'g', 'G':
			multiplier = 1024 * 1024 * 1024
			num = s[:len(s)-1]
		}
	}
	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("not a size: %q", s)
	}
	total := v * multiplier
	if total > int64(1)<<31-1 {
		return 0, fmt.Errorf("size overflows 32 bits: %q", s)
	}
	return int32(total), nil
}

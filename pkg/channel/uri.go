package channel

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Media is the transport media of a channel
type Media string

const (
	MediaUDP Media = "udp"
	MediaIPC Media = "ipc"
)

// URI scheme pieces
const (
	Scheme    = "aeron"
	SpyPrefix = "spy"

	// IpcChannel is the sentinel channel reported for IPC and spy images
	IpcChannel = "aeron:ipc"
)

// Channel URI parameter keys
const (
	KeyEndpoint              = "endpoint"
	KeyInterface             = "interface"
	KeyControl               = "control"
	KeyControlMode           = "control-mode"
	KeySessionID             = "session-id"
	KeyMTU                   = "mtu"
	KeyTermLength            = "term-length"
	KeyInitialTermID         = "init-term-id"
	KeyTermID                = "term-id"
	KeyTermOffset            = "term-offset"
	KeyLinger                = "linger"
	KeySparse                = "sparse"
	KeyReliable              = "reliable"
	KeyRejoin                = "rejoin"
	KeyGroup                 = "group"
	KeyTether                = "tether"
	KeyTags                  = "tag"
	KeyAlias                 = "alias"
	KeyTTL                   = "ttl"
	KeyFlowControl           = "fc"
	KeySpiesSimulateConn     = "spies-simulate-connection"
	KeyReceiverWindowLength  = "receiver-window-length"
	KeySocketRcvbufLength    = "socket-rcvbuf"
	KeySocketSndbufLength    = "socket-sndbuf"
	KeySendTimestampOffset   = "channel-send-timestamp-offset"
	KeyRcvTimestampOffset    = "channel-receive-timestamp-offset"
	KeyMediaRcvTimestampOffset = "media-receive-timestamp-offset"
)

// Control modes
const (
	ControlModeManual  = "manual"
	ControlModeDynamic = "dynamic"
)

// URI is a parsed channel URI of the form
// aeron:<media>?key=value|key=value, optionally prefixed spy:
type URI struct {
	prefix string
	media  Media
	params map[string]string
}

// ParseURI parses a channel URI string
func ParseURI(s string) (*URI, error) {
	original := s
	prefix := ""

	if strings.HasPrefix(s, SpyPrefix+":") {
		prefix = SpyPrefix
		s = s[len(SpyPrefix)+1:]
	}

	if !strings.HasPrefix(s, Scheme+":") {
		return nil, fmt.Errorf("channel must start with %q: %s", Scheme+":", original)
	}
	s = s[len(Scheme)+1:]

	mediaPart := s
	paramPart := ""
	if idx := strings.IndexByte(s, '?'); idx >= 0 {
		mediaPart = s[:idx]
		paramPart = s[idx+1:]
	}

	media := Media(mediaPart)
	switch media {
	case MediaUDP, MediaIPC:
	default:
		return nil, fmt.Errorf("unknown media %q in channel %s", mediaPart, original)
	}

	if prefix == SpyPrefix && media != MediaUDP {
		return nil, fmt.Errorf("spy is only valid over udp: %s", original)
	}

	params := make(map[string]string)
	if paramPart != "" {
		for _, pair := range strings.Split(paramPart, "|") {
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return nil, fmt.Errorf("malformed parameter %q in channel %s", pair, original)
			}
			if _, dup := params[kv[0]]; dup {
				return nil, fmt.Errorf("duplicate parameter %q in channel %s", kv[0], original)
			}
			params[kv[0]] = kv[1]
		}
	}

	return &URI{prefix: prefix, media: media, params: params}, nil
}

// IsSpy reports whether the channel carries the spy prefix
func (u *URI) IsSpy() bool {
	return u.prefix == SpyPrefix
}

// Media returns the channel media
func (u *URI) Media() Media {
	return u.media
}

// IsUDP reports whether the media is udp
func (u *URI) IsUDP() bool {
	return u.media == MediaUDP
}

// IsIPC reports whether the media is ipc
func (u *URI) IsIPC() bool {
	return u.media == MediaIPC
}

// Get returns the raw parameter value, empty when absent
func (u *URI) Get(key string) string {
	return u.params[key]
}

// Has reports whether the parameter is present
func (u *URI) Has(key string) bool {
	_, ok := u.params[key]
	return ok
}

// Endpoint returns the endpoint parameter
func (u *URI) Endpoint() string {
	return u.params[KeyEndpoint]
}

// Control returns the control parameter
func (u *URI) Control() string {
	return u.params[KeyControl]
}

// ControlMode returns the control-mode parameter
func (u *URI) ControlMode() string {
	return u.params[KeyControlMode]
}

// IsManualControlMode reports control-mode=manual
func (u *URI) IsManualControlMode() bool {
	return u.ControlMode() == ControlModeManual
}

// IsDynamicControlMode reports control-mode=dynamic
func (u *URI) IsDynamicControlMode() bool {
	return u.ControlMode() == ControlModeDynamic
}

// IsMulticast reports whether the endpoint address is a multicast group
func (u *URI) IsMulticast() bool {
	host := hostOf(u.Endpoint())
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsMulticast()
}

// CanonicalForm returns the normalized string keying the endpoint registry.
// Only parameters that shape the transport identity participate; their
// order is fixed by sorting so equivalent URIs collide.
func (u *URI) CanonicalForm() string {
	var sb strings.Builder
	sb.WriteString(string(u.media))

	identityKeys := []string{KeyEndpoint, KeyControl, KeyControlMode, KeyInterface, KeyTTL}
	present := make([]string, 0, len(identityKeys))
	for _, k := range identityKeys {
		if v, ok := u.params[k]; ok && v != "" {
			present = append(present, k+"="+v)
		}
	}
	sort.Strings(present)
	for _, kv := range present {
		sb.WriteByte('|')
		sb.WriteString(kv)
	}
	return sb.String()
}

// String reassembles the URI in parse form
func (u *URI) String() string {
	var sb strings.Builder
	if u.prefix != "" {
		sb.WriteString(u.prefix)
		sb.WriteByte(':')
	}
	sb.WriteString(Scheme)
	sb.WriteByte(':')
	sb.WriteString(string(u.media))

	keys := make([]string, 0, len(u.params))
	for k := range u.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(u.params[k])
	}
	return sb.String()
}

// EntityTag returns the tags parameter's first element, the channel's
// entity tag, or false when untagged
func (u *URI) EntityTag() (string, bool) {
	tags, ok := u.params[KeyTags]
	if !ok || tags == "" {
		return "", false
	}
	if idx := strings.IndexByte(tags, ','); idx >= 0 {
		return tags[:idx], true
	}
	return tags, true
}

func hostOf(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}

// PortOf returns the numeric port of a host:port endpoint, -1 when absent
// or unparsable
func PortOf(endpoint string) int {
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return -1
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return -1
	}
	return p
}

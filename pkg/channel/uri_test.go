package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strand/pkg/config"
)

// TestParseURI tests channel URI parsing
func TestParseURI(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, uri *URI)
	}{
		{
			name:  "udp with endpoint",
			input: "aeron:udp?endpoint=127.0.0.1:40123",
			check: func(t *testing.T, uri *URI) {
				assert.True(t, uri.IsUDP())
				assert.Equal(t, "127.0.0.1:40123", uri.Endpoint())
			},
		},
		{
			name:  "plain ipc",
			input: "aeron:ipc",
			check: func(t *testing.T, uri *URI) {
				assert.True(t, uri.IsIPC())
				assert.False(t, uri.IsSpy())
			},
		},
		{
			name:  "spy prefix",
			input: "spy:aeron:udp?endpoint=127.0.0.1:40123",
			check: func(t *testing.T, uri *URI) {
				assert.True(t, uri.IsSpy())
				assert.True(t, uri.IsUDP())
			},
		},
		{
			name:  "multiple params",
			input: "aeron:udp?endpoint=localhost:40123|reliable=false|session-id=42",
			check: func(t *testing.T, uri *URI) {
				assert.Equal(t, "false", uri.Get(KeyReliable))
				assert.Equal(t, "42", uri.Get(KeySessionID))
			},
		},
		{
			name:    "unknown media",
			input:   "aeron:tcp?endpoint=localhost:40123",
			wantErr: true,
		},
		{
			name:    "missing scheme",
			input:   "udp://localhost:40123",
			wantErr: true,
		},
		{
			name:    "spy over ipc",
			input:   "spy:aeron:ipc",
			wantErr: true,
		},
		{
			name:    "duplicate param",
			input:   "aeron:udp?endpoint=a:1|endpoint=b:2",
			wantErr: true,
		},
		{
			name:    "malformed param",
			input:   "aeron:udp?endpoint",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := ParseURI(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, uri)
		})
	}
}

// TestCanonicalForm verifies equivalent URIs share a canonical form
func TestCanonicalForm(t *testing.T) {
	a, err := ParseURI("aeron:udp?endpoint=127.0.0.1:40123|reliable=true")
	require.NoError(t, err)
	b, err := ParseURI("aeron:udp?reliable=false|endpoint=127.0.0.1:40123")
	require.NoError(t, err)

	// Non-identity params do not participate
	assert.Equal(t, a.CanonicalForm(), b.CanonicalForm())

	c, err := ParseURI("aeron:udp?endpoint=127.0.0.1:40999")
	require.NoError(t, err)
	assert.NotEqual(t, a.CanonicalForm(), c.CanonicalForm())
}

// TestIsMulticast checks multicast endpoint detection
func TestIsMulticast(t *testing.T) {
	multicast, err := ParseURI("aeron:udp?endpoint=224.0.1.1:40456")
	require.NoError(t, err)
	assert.True(t, multicast.IsMulticast())

	unicast, err := ParseURI("aeron:udp?endpoint=127.0.0.1:40456")
	require.NoError(t, err)
	assert.False(t, unicast.IsMulticast())
}

// TestDerivePublicationParams tests validation of publication parameters
func TestDerivePublicationParams(t *testing.T) {
	cfg := config.DefaultConfig()

	tests := []struct {
		name        string
		input       string
		isExclusive bool
		wantErr     bool
		check       func(t *testing.T, p *PublicationParams)
	}{
		{
			name:  "defaults",
			input: "aeron:udp?endpoint=localhost:40123",
			check: func(t *testing.T, p *PublicationParams) {
				assert.Equal(t, cfg.TermBufferLength, p.TermLength)
				assert.Equal(t, cfg.MTULength, p.MTULength)
				assert.False(t, p.HasSessionID)
			},
		},
		{
			name:  "explicit session and term length",
			input: "aeron:udp?endpoint=localhost:40123|session-id=42|term-length=65536",
			check: func(t *testing.T, p *PublicationParams) {
				assert.True(t, p.HasSessionID)
				assert.Equal(t, int32(42), p.SessionID)
				assert.Equal(t, int32(65536), p.TermLength)
			},
		},
		{
			name:        "explicit position",
			input:       "aeron:udp?endpoint=localhost:40123|init-term-id=100|term-id=102|term-offset=64",
			isExclusive: true,
			check: func(t *testing.T, p *PublicationParams) {
				assert.True(t, p.HasPosition)
				assert.Equal(t, int32(100), p.InitialTermID)
				assert.Equal(t, int32(102), p.TermID)
				assert.Equal(t, int32(64), p.TermOffset)
			},
		},
		{
			name:    "explicit position requires exclusive",
			input:   "aeron:udp?endpoint=localhost:40123|init-term-id=100|term-id=102|term-offset=64",
			wantErr: true,
		},
		{
			name:        "partial position triple",
			input:       "aeron:udp?endpoint=localhost:40123|term-id=102",
			isExclusive: true,
			wantErr:     true,
		},
		{
			name:        "unaligned term offset",
			input:       "aeron:udp?endpoint=localhost:40123|init-term-id=1|term-id=1|term-offset=7",
			isExclusive: true,
			wantErr:     true,
		},
		{
			name:    "term length not power of two",
			input:   "aeron:udp?endpoint=localhost:40123|term-length=100000",
			wantErr: true,
		},
		{
			name:    "mtu exceeds udp payload",
			input:   "aeron:udp?endpoint=localhost:40123|mtu=100000",
			wantErr: true,
		},
		{
			name:    "endpoint port 0 without control mode",
			input:   "aeron:udp?endpoint=localhost:0",
			wantErr: true,
		},
		{
			name:  "endpoint port 0 with manual control mode",
			input: "aeron:udp?endpoint=localhost:0|control-mode=manual",
			check: func(t *testing.T, p *PublicationParams) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := ParseURI(tt.input)
			require.NoError(t, err)
			p, err := DerivePublicationParams(uri, &cfg, tt.isExclusive, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

// TestDeriveSubscriptionParams tests subscription defaults and rejections
func TestDeriveSubscriptionParams(t *testing.T) {
	cfg := config.DefaultConfig()

	uri, err := ParseURI("aeron:udp?endpoint=localhost:40123")
	require.NoError(t, err)
	p, err := DeriveSubscriptionParams(uri, &cfg)
	require.NoError(t, err)
	assert.True(t, p.IsReliable)
	assert.True(t, p.IsRejoin)
	assert.True(t, p.IsTether)
	assert.Equal(t, Infer, p.Group)

	uri, err = ParseURI("aeron:udp?endpoint=localhost:40123|reliable=false|tether=false|group=true")
	require.NoError(t, err)
	p, err = DeriveSubscriptionParams(uri, &cfg)
	require.NoError(t, err)
	assert.False(t, p.IsReliable)
	assert.False(t, p.IsTether)
	assert.Equal(t, ForceTrue, p.Group)

	// Media receive timestamps are not supported by this driver
	uri, err = ParseURI("aeron:udp?endpoint=localhost:40123|media-receive-timestamp-offset=8")
	require.NoError(t, err)
	_, err = DeriveSubscriptionParams(uri, &cfg)
	assert.Error(t, err)

	// Control port 0 is rejected
	uri, err = ParseURI("aeron:udp?endpoint=localhost:40123|control=localhost:0")
	require.NoError(t, err)
	_, err = DeriveSubscriptionParams(uri, &cfg)
	assert.Error(t, err)
}

// TestValidateDestination tests the MDC/MDS destination restrictions
func TestValidateDestination(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain unicast", input: "aeron:udp?endpoint=localhost:40124"},
		{name: "ipc destination", input: "aeron:ipc"},
		{name: "spy destination", input: "spy:aeron:udp?endpoint=localhost:40124", wantErr: true},
		{name: "mtu key", input: "aeron:udp?endpoint=localhost:40124|mtu=1408", wantErr: true},
		{name: "socket rcvbuf key", input: "aeron:udp?endpoint=localhost:40124|socket-rcvbuf=65536", wantErr: true},
		{name: "port zero", input: "aeron:udp?endpoint=localhost:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := ParseURI(tt.input)
			require.NoError(t, err)
			err = ValidateDestination(uri, tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

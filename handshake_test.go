package snapmux

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKey(t *testing.T) {
	// RFC 6455 section 1.3
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNewSecKey(t *testing.T) {
	a, err := newSecKey()
	require.NoError(t, err)
	b, err := newSecKey()
	require.NoError(t, err)

	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
}

func TestValidateResponse(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="

	good := func() *http.Response {
		h := http.Header{}
		h.Set("Upgrade", "WebSocket")
		h.Set("Connection", "keep-alive, Upgrade")
		h.Set("Sec-WebSocket-Accept", acceptKey(key))
		return &http.Response{StatusCode: http.StatusSwitchingProtocols, Status: "101 Switching Protocols", Header: h}
	}

	tests := []struct {
		name    string
		edit    func(*http.Response)
		offered []string
		wantSub string
		wantErr error
	}{
		{name: "ok", edit: func(*http.Response) {}},
		{
			name:    "status",
			edit:    func(r *http.Response) { r.StatusCode, r.Status = http.StatusOK, "200 OK" },
			wantErr: ErrBadHandshakeStatus,
		},
		{
			name:    "upgrade",
			edit:    func(r *http.Response) { r.Header.Del("Upgrade") },
			wantErr: ErrInvalidUpgradeHeader,
		},
		{
			name:    "connection",
			edit:    func(r *http.Response) { r.Header.Set("Connection", "close") },
			wantErr: ErrInvalidConnectionHdr,
		},
		{
			name:    "accept",
			edit:    func(r *http.Response) { r.Header.Set("Sec-WebSocket-Accept", "nope") },
			wantErr: ErrInvalidAcceptKey,
		},
		{
			name:    "sub-protocol offered",
			edit:    func(r *http.Response) { r.Header.Set("Sec-WebSocket-Protocol", "v2") },
			offered: []string{"v1", "v2"},
			wantSub: "v2",
		},
		{
			name:    "sub-protocol not offered",
			edit:    func(r *http.Response) { r.Header.Set("Sec-WebSocket-Protocol", "v3") },
			offered: []string{"v1"},
			wantErr: ErrUnexpectedSubProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := good()
			tt.edit(resp)

			sub, err := validateResponse(resp, key, tt.offered)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, sub)
		})
	}
}

func TestHeaderContains(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", " Keep-Alive ,  UPGRADE")

	assert.True(t, headerContains(h, "Connection", "upgrade"))
	assert.True(t, headerContains(h, "Connection", "keep-alive"))
	assert.False(t, headerContains(h, "Connection", "close"))
	assert.False(t, headerContains(h, "Upgrade", "websocket"))
}

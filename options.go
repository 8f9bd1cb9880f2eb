package snapmux

import (
	"crypto/tls"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWriteWait = time.Second * 5
	defaultReadWait  = time.Minute
	defaultPingEvery = time.Second * 50

	DefaultMaxMessageSize  = 1 << 20 // 1MB
	DefaultReadBufferSize  = 4096
	DefaultWriteBufferSize = 4096
)

type Options struct {
	// If not set it will default to 5 seconds.
	WriteWait time.Duration
	// Should be larger than PingEvery. If not set it will default to 60 seconds.
	ReadWait time.Duration
	// If not set it will default to 50 seconds.
	PingEvery time.Duration

	// This is the max size of a message sent by the server. if not set it will default to 1MB
	// -1 means there is no max size.
	MaxMessageSize int
	// if not set it will default to 4096 bytes.
	ReadBufferSize int
	// Outgoing messages larger than this are split into continuation frames.
	// if not set it will default to 4096 bytes.
	WriteBufferSize int

	// Offered to the server in Sec-WebSocket-Protocol, in order of preference.
	SubProtocols []string
	// Extra headers sent with the opening handshake (cookies, auth, origin...).
	Header http.Header
	// Used for wss:// urls. ServerName defaults to the url host.
	TLSConfig *tls.Config

	// Optional inbound limiter, see RateLimiter.
	Limiter *RateLimiter

	// If not set it will default to a no-op logger.
	Logger *zap.Logger
}

func (opt *Options) WithDefault() {
	if opt.WriteWait == 0 {
		opt.WriteWait = defaultWriteWait
	}
	if opt.ReadWait == 0 {
		opt.ReadWait = defaultReadWait
	}
	if opt.PingEvery == 0 {
		opt.PingEvery = defaultPingEvery
	}
	if opt.MaxMessageSize == 0 {
		opt.MaxMessageSize = DefaultMaxMessageSize
	}
	if opt.ReadBufferSize == 0 {
		opt.ReadBufferSize = DefaultReadBufferSize
	}
	if opt.WriteBufferSize == 0 {
		opt.WriteBufferSize = DefaultWriteBufferSize
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
}

package snapmux

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"

	"go.uber.org/zap"
)

// Socket is the transport boundary the Manager drives: one duplex,
// text-message oriented connection.
//
// ReadText blocks until the next text message arrives. Errors matching
// ErrMessageTypeMismatch or ErrRateLimited skip a single message, any other
// error is treated as the connection's close or error event.
type Socket interface {
	ReadText() ([]byte, error)
	SendText(ctx context.Context, p []byte) error
	Close() error
}

// Dialer opens Sockets. Dial should honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context) (Socket, error) {
	return f(ctx)
}

// WSDialer dials a WebSocket url with the same options every time.
type WSDialer struct {
	URL     string
	Options *Options
}

// NewDialer creates a WSDialer for rawURL.
// If opts is nil, then it will assign a new options with default values.
func NewDialer(rawURL string, opts *Options) *WSDialer {
	if opts == nil {
		opts = &Options{}
	}
	opts.WithDefault()
	return &WSDialer{URL: rawURL, Options: opts}
}

func (d *WSDialer) Dial(ctx context.Context) (Socket, error) {
	conn, err := DialConn(ctx, d.URL, d.Options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialConn opens a WebSocket client connection to rawURL (ws:// or wss://).
// ctx bounds the TCP dial, the TLS handshake and the opening handshake,
// it has no effect on the returned connection once it is open.
func DialConn(ctx context.Context, rawURL string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.WithDefault()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var port string
	switch u.Scheme {
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	default:
		return nil, ErrInvalidScheme
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		opts.Logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		return nil, err
	}

	if u.Scheme == "wss" {
		cfg := &tls.Config{}
		if opts.TLSConfig != nil {
			cfg = opts.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(c, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			opts.Logger.Warn("tls handshake failed", zap.String("addr", addr), zap.Error(err))
			return nil, err
		}
		c = tc
	}

	br, subProtocol, err := handShake(ctx, c, u, opts)
	if err != nil {
		_ = c.Close()
		opts.Logger.Warn("handshake failed", zap.String("url", u.Redacted()), zap.Error(err))
		return nil, err
	}

	conn := newConn(c, br, subProtocol, opts)
	if opts.Limiter != nil {
		opts.Limiter.attach(conn)
	}
	go conn.pingLoop()

	conn.logger.Debug("websocket open", zap.String("url", u.Redacted()), zap.String("sub_protocol", subProtocol))

	return conn, nil
}

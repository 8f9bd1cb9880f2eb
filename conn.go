package snapmux

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Atheer-Ganayem/snapmux/internal/frame"
)

const (
	CloseNormalClosure           uint16 = 1000
	CloseGoingAway               uint16 = 1001
	CloseProtocolError           uint16 = 1002
	CloseUnsupportedData         uint16 = 1003
	CloseNoStatusReceived        uint16 = 1005
	CloseInvalidFramePayloadData uint16 = 1007
	ClosePolicyViolation         uint16 = 1008
	CloseMessageTooBig           uint16 = 1009
	CloseMandatoryExtension      uint16 = 1010
	CloseInternalServerErr       uint16 = 1011
)

var allowedCodes = []uint16{1000, 1001, 1002, 1003, 1007, 1008, 1009, 1010, 1011}

// Conn is a client WebSocket connection. It implements Socket.
//
// One goroutine may read at a time, writes are safe for concurrent use.
type Conn struct {
	raw         net.Conn
	br          *bufio.Reader
	opts        *Options
	logger      *zap.Logger
	SubProtocol string
	// channel used to signal that the conn is closed.
	// when the conn closes, the channel closes, so any go routine waiting on it
	// would be released.
	done      chan struct{}
	isClosed  atomic.Bool
	closeOnce sync.Once
	// set when the server sent a close frame.
	closeErr atomic.Pointer[CloseError]

	// inbound token bucket, set when opts.Limiter is.
	bucket *rate.Limiter

	// serializes frame writes.
	wLock *mu
	// ticker for ping loop
	ticker *time.Ticker
}

func newConn(c net.Conn, br *bufio.Reader, subProtocol string, opts *Options) *Conn {
	conn := &Conn{
		raw:         c,
		br:          br,
		opts:        opts,
		logger:      opts.Logger.With(zap.Stringer("remote", c.RemoteAddr())),
		SubProtocol: subProtocol,
		done:        make(chan struct{}),
		ticker:      time.NewTicker(opts.PingEvery),
	}
	conn.wLock = &mu{done: conn.done, ch: make(chan struct{}, 1)}

	return conn
}

// Returns the underlying net conn.
func (conn *Conn) NetConn() net.Conn {
	return conn.raw
}

// CloseErr returns the close frame sent by the server, or nil if the
// connection was not closed by the server.
func (conn *Conn) CloseErr() *CloseError {
	return conn.closeErr.Load()
}

// A loop that runs as long as the connection is alive.
// Pings the server every "PingEvery".
// If pinging fails the connection closes.
func (conn *Conn) pingLoop() {
	defer conn.ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-conn.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), conn.opts.WriteWait)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				conn.logger.Warn("ping failed", zap.Error(err))
				conn.CloseWithCode(ClosePolicyViolation, "ping failed")
				return
			}
		}
	}
}

// CloseWithCode closes the connection with the given code and reason.
// It is safe to call multiple times, only the first call has an effect.
func (conn *Conn) CloseWithCode(code uint16, reason string) {
	conn.shutdown(true, code, reason)
}

// Closes the conn normaly.
func (conn *Conn) Close() error {
	conn.CloseWithCode(CloseNormalClosure, "")
	return nil
}

// shutdown tears the connection down once. When sendFrame is true it tries,
// for at most WriteWait, to tell the server why.
func (conn *Conn) shutdown(sendFrame bool, code uint16, reason string) {
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.isClosed.Store(true)

		if sendFrame {
			payload := binary.BigEndian.AppendUint16(nil, code)
			payload = append(payload, reason...)
			if len(payload) > frame.MaxControlPayload {
				payload = payload[:frame.MaxControlPayload]
			}

			t := time.NewTimer(conn.opts.WriteWait)
			if conn.wLock.lockTimer(t) {
				if f, err := frame.New(true, frame.OpcodeClose, true, payload); err == nil {
					_ = conn.raw.SetWriteDeadline(time.Now().Add(conn.opts.WriteWait))
					_, _ = conn.raw.Write(f.Bytes())
				}
				conn.wLock.unlock()
			}
			t.Stop()
		}

		_ = conn.raw.Close()
		if conn.opts.Limiter != nil {
			conn.opts.Limiter.detach(conn)
		}
	})
}

// protocolClose closes the connection with code because of err and returns
// err as a FatalError.
func (conn *Conn) protocolClose(code uint16, err error) error {
	conn.logger.Warn("closing connection", zap.Uint16("code", code), zap.Error(err))
	conn.CloseWithCode(code, err.Error())
	return Fatal(err)
}

func isValidCloseCode(code uint16) bool {
	return slices.Contains(allowedCodes, code) || (code >= 3000 && code <= 4999)
}

type mu struct {
	done <-chan struct{}
	ch   chan struct{}
}

func (m *mu) lockCtx(ctx context.Context) error {
	select {
	case <-m.done:
		return Fatal(ErrConnClosed)
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockTimer ignores done, it is used to write the final close frame.
func (m *mu) lockTimer(t *time.Timer) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (m *mu) unlock() {
	<-m.ch
}

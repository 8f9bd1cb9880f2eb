package snapmux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State of the Manager's single connection.
type State int32

const (
	StateAbsent State = iota
	StateConnecting
	StateOpen
	// The open connection was closed by the remote end or an I/O error.
	// Acquire starts fresh from here, Release moves back to StateAbsent.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed-with-error"
	default:
		return "unknown"
	}
}

const acquireKey = "conn"

// sink receives inbound payloads. A publish whose epoch is older than the
// latest invalidate is discarded.
type sink interface {
	epoch() uint64
	invalidate()
	publish(epoch uint64, raw []byte)
	Clear()
}

// Manager owns at most one live Socket. It dials lazily on Acquire and
// closes the socket on Release. It is created by NewChannel and driven by
// the channel's subscriber count.
type Manager struct {
	dialer Dialer
	logger *zap.Logger
	sink   sink
	group  singleflight.Group
	dials  atomic.Int64

	mu      sync.Mutex
	state   State
	sock    Socket
	connID  string
	wanted  bool
	lastErr error
}

func newManager(d Dialer, logger *zap.Logger, s sink) *Manager {
	return &Manager{
		dialer: d,
		logger: logger,
		sink:   s,
	}
}

// Acquire returns the open socket, dialing one if needed. Callers that
// arrive while a dial is in flight wait for that same dial and all observe
// its outcome.
//
// The dial is not bound to ctx: when ctx ends Acquire returns ctx.Err() but
// the dial keeps going for the other waiters. A failed dial returns an error
// matching ErrConnectionFailed and moves the Manager back to StateAbsent,
// LastError keeps the cause.
func (m *Manager) Acquire(ctx context.Context) (Socket, error) {
	m.want()
	return m.acquire(ctx)
}

// Release closes the socket, if any, and clears the channel. It also marks
// an in-flight dial as unwanted so its socket is closed as soon as it opens.
func (m *Manager) Release() {
	if m.drop() {
		m.sink.Clear()
	}
}

// Current returns the open socket or nil. It never dials.
func (m *Manager) Current() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return nil
	}
	return m.sock
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnID returns the id of the open connection, or "" when none is open.
func (m *Manager) ConnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// LastError returns why the last connection failed or closed.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Dials returns how many connection attempts were started.
func (m *Manager) Dials() int64 {
	return m.dials.Load()
}

// idle reports whether no connection is open or being opened.
func (m *Manager) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAbsent || m.state == StateClosed
}

func (m *Manager) want() {
	m.mu.Lock()
	m.wanted = true
	m.mu.Unlock()
}

func (m *Manager) acquire(ctx context.Context) (Socket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s := m.Current(); s != nil {
		return s, nil
	}

	ch := m.group.DoChan(acquireKey, func() (any, error) {
		return m.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Socket), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) (Socket, error) {
	m.mu.Lock()
	if m.state == StateOpen && m.sock != nil {
		s := m.sock
		m.mu.Unlock()
		return s, nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	id := uuid.NewString()
	m.dials.Add(1)
	m.logger.Debug("connecting", zap.String("conn_id", id))

	sock, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = StateAbsent
		m.lastErr = err
		m.sink.invalidate()
		m.mu.Unlock()

		m.logger.Warn("connection failed", zap.String("conn_id", id), zap.Error(err))
		m.sink.Clear()
		return nil, &ConnectionError{ConnID: id, Err: err}
	}

	if !m.wanted {
		m.state = StateAbsent
		m.mu.Unlock()

		_ = sock.Close()
		m.logger.Debug("connection released before it opened", zap.String("conn_id", id))
		return nil, ErrConnReleased
	}

	m.state = StateOpen
	m.sock = sock
	m.connID = id
	m.lastErr = nil
	epoch := m.sink.epoch()
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("conn_id", id))
	go m.readLoop(sock, id, epoch)

	return sock, nil
}

// readLoop forwards every inbound text message to the sink until the
// socket fails.
func (m *Manager) readLoop(sock Socket, id string, epoch uint64) {
	for {
		p, err := sock.ReadText()
		if err != nil {
			if errors.Is(err, ErrMessageTypeMismatch) || errors.Is(err, ErrRateLimited) {
				m.logger.Debug("inbound message skipped", zap.String("conn_id", id), zap.Error(err))
				continue
			}
			m.closed(sock, id, err)
			return
		}

		m.sink.publish(epoch, p)
	}
}

// closed handles the close or error event of sock. It is a no-op when sock
// was already released.
func (m *Manager) closed(sock Socket, id string, err error) {
	m.mu.Lock()
	if m.sock != sock {
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.connID = ""
	m.state = StateClosed
	m.lastErr = err
	m.sink.invalidate()
	m.mu.Unlock()

	_ = sock.Close()
	m.logger.Info("connection closed", zap.String("conn_id", id), zap.Error(err))
	m.sink.Clear()
}

// drop forgets the interest and closes the socket. It reports whether a
// socket was open, in which case the caller must clear the sink.
func (m *Manager) drop() bool {
	m.mu.Lock()
	m.wanted = false
	sock, id := m.sock, m.connID
	if sock == nil {
		if m.state == StateClosed {
			m.state = StateAbsent
		}
		m.mu.Unlock()
		return false
	}
	m.sock = nil
	m.connID = ""
	m.state = StateAbsent
	m.sink.invalidate()
	m.mu.Unlock()

	_ = sock.Close()
	m.logger.Info("connection released", zap.String("conn_id", id))
	return true
}

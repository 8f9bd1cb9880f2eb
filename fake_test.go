package snapmux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type readResult struct {
	p   []byte
	err error
}

// fakeSocket is an in-memory Socket. Inbound messages are pushed with
// deliver, a remote close or error with fail.
type fakeSocket struct {
	in        chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu   sync.Mutex
	sent [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadText() ([]byte, error) {
	select {
	case r := <-s.in:
		return r.p, r.err
	case <-s.closed:
		return nil, Fatal(ErrConnClosed)
	}
}

func (s *fakeSocket) SendText(_ context.Context, p []byte) error {
	select {
	case <-s.closed:
		return Fatal(ErrConnClosed)
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) deliver(p string) {
	s.in <- readResult{p: []byte(p)}
}

func (s *fakeSocket) fail(err error) {
	s.in <- readResult{err: err}
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, p := range s.sent {
		out[i] = string(p)
	}
	return out
}

// fakeDialer hands out fakeSockets. When gate is set every dial waits for it
// to be closed; err makes dials fail.
type fakeDialer struct {
	gate chan struct{}

	mu      sync.Mutex
	err     error
	sockets []*fakeSocket
	calls   int
}

func (d *fakeDialer) Dial(ctx context.Context) (Socket, error) {
	d.mu.Lock()
	d.calls++
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := newFakeSocket()
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) socket(t *testing.T, i int) *fakeSocket {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.sockets) > i
	}, time.Second, time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

func waitOpen(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func waitState(t *testing.T, m *Manager, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == s }, time.Second, time.Millisecond, "want %s", s)
}

// recv returns the next value from c or fails the test after a second.
func recv[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

// assertNone fails if c yields a value within a short window.
func assertNone[T any](t *testing.T, c <-chan T) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

var errBoom = errors.New("boom")

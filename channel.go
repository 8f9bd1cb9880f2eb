package snapmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Latest is the content of the channel's latest-message cell.
// Present is false before the first message and after every clear.
// Raw is shared between observers and must not be modified.
type Latest struct {
	Raw     []byte
	Present bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger used by the channel and its Manager.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

type watcher struct {
	fn     func(Latest)
	active atomic.Bool
}

type eventKind int

const (
	evPublish eventKind = iota
	evClear
	evAttach
	evCall
)

type event struct {
	kind  eventKind
	epoch uint64
	raw   []byte
	obs   *watcher
	call  func()
}

// Channel is the single broadcast point for inbound payloads and the gateway
// for outbound ones. It keeps only the latest payload, there is no queue of
// messages: an observer attaching late sees the latest one only.
//
// All state changes go through one dispatch queue. Observers are notified in
// subscription order, and every observer has been notified about an event
// before the next event is applied. Callbacks may subscribe or unsubscribe,
// such calls are queued behind the event being delivered.
type Channel struct {
	manager *Manager
	logger  *zap.Logger

	// serializes subscriber count transitions with the acquire/release they cause.
	lifecycle sync.Mutex

	mu          sync.Mutex
	latest      Latest
	epochN      uint64
	watchers    []*watcher
	subscribers int
	queue       []event
	dispatching bool
}

// NewChannel creates a Channel whose connection is opened with d.
// Nothing is dialed until the first subscriber arrives.
func NewChannel(d Dialer, opts ...Option) *Channel {
	c := &Channel{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.manager = newManager(d, c.logger, c)
	return c
}

// Manager returns the connection manager owned by the channel.
func (c *Channel) Manager() *Manager {
	return c.manager
}

// Latest returns the current cell content. It has no side effects.
func (c *Channel) Latest() Latest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Subscribers returns the number of current subscribers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribers
}

// Subscribe registers fn and calls it with the current cell content, then on
// every change. The first subscriber makes the Manager connect, in the
// background, and so does any subscriber arriving while no connection is
// open or being opened. The returned function unsubscribes, it is safe to call more
// than once; after the last subscriber leaves the connection is closed.
func (c *Channel) Subscribe(fn func(Latest)) (unsubscribe func()) {
	unsubscribe, start := c.subscribe(fn)
	start()
	return unsubscribe
}

// subscribe registers fn without delivering anything. start must be called
// to attach fn to the dispatch queue.
func (c *Channel) subscribe(fn func(Latest)) (unsubscribe func(), start func()) {
	o := &watcher{fn: fn}
	o.active.Store(true)

	c.lifecycle.Lock()
	c.mu.Lock()
	c.subscribers++
	first := c.subscribers == 1
	c.mu.Unlock()
	// a later subscriber retries after a failed dial or a remote close.
	if first || c.manager.idle() {
		c.manager.want()
		go c.connect()
	}
	c.lifecycle.Unlock()

	var once sync.Once
	unsubscribe = func() {
		once.Do(func() { c.unsubscribe(o) })
	}
	start = func() {
		c.emit(event{kind: evAttach, obs: o})
	}
	return unsubscribe, start
}

func (c *Channel) unsubscribe(o *watcher) {
	o.active.Store(false)

	c.lifecycle.Lock()
	c.mu.Lock()
	if i := slices.Index(c.watchers, o); i >= 0 {
		c.watchers = slices.Delete(c.watchers, i, i+1)
	}
	c.subscribers--
	last := c.subscribers == 0
	c.mu.Unlock()

	released := false
	if last {
		released = c.manager.drop()
	}
	c.lifecycle.Unlock()

	if released {
		c.Clear()
	}
}

func (c *Channel) connect() {
	if _, err := c.manager.acquire(context.Background()); err != nil && !errors.Is(err, ErrConnReleased) {
		c.logger.Debug("subscriber connect failed", zap.Error(err))
	}
}

// Publish overwrites the cell with raw and notifies every observer.
func (c *Channel) Publish(raw []byte) {
	c.publish(c.epoch(), bytes.Clone(raw))
}

// Clear resets the cell to "no message yet". Observers are notified only if
// the cell held a message.
func (c *Channel) Clear() {
	c.emit(event{kind: evClear})
}

// Send transmits raw over the open connection. Without one the payload is
// discarded, a warning is logged and ErrSendDropped is returned. Send never
// opens a connection.
func (c *Channel) Send(ctx context.Context, raw []byte) error {
	sock := c.manager.Current()
	if sock == nil {
		c.logger.Warn("send dropped: no open connection", zap.Int("bytes", len(raw)))
		return ErrSendDropped
	}

	if err := sock.SendText(ctx, raw); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// do runs fn on the dispatch queue, ordered with notifications.
func (c *Channel) do(fn func()) {
	c.emit(event{kind: evCall, call: fn})
}

func (c *Channel) epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochN
}

func (c *Channel) invalidate() {
	c.mu.Lock()
	c.epochN++
	c.mu.Unlock()
}

func (c *Channel) publish(epoch uint64, raw []byte) {
	c.emit(event{kind: evPublish, epoch: epoch, raw: raw})
}

// emit queues ev. If no goroutine is dispatching, the caller becomes the
// dispatcher and drains the queue, including events queued by callbacks.
func (c *Channel) emit(ev event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true

	for len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue[0] = event{}
		c.queue = c.queue[1:]

		if ev.kind == evCall {
			c.mu.Unlock()
			ev.call()
			c.mu.Lock()
			continue
		}

		targets, value, ok := c.apply(ev)
		if !ok {
			continue
		}

		c.mu.Unlock()
		for _, o := range targets {
			if o.active.Load() {
				o.fn(value)
			}
		}
		c.mu.Lock()
	}

	c.queue = nil
	c.dispatching = false
	c.mu.Unlock()
}

// apply changes the cell for ev and returns who to notify. c.mu must be held.
func (c *Channel) apply(ev event) ([]*watcher, Latest, bool) {
	switch ev.kind {
	case evPublish:
		if ev.epoch != c.epochN {
			return nil, Latest{}, false
		}
		c.latest = Latest{Raw: ev.raw, Present: true}
		return slices.Clone(c.watchers), c.latest, true
	case evClear:
		if !c.latest.Present {
			return nil, Latest{}, false
		}
		c.latest = Latest{}
		return slices.Clone(c.watchers), c.latest, true
	case evAttach:
		if !ev.obs.active.Load() {
			return nil, Latest{}, false
		}
		c.watchers = append(c.watchers, ev.obs)
		return []*watcher{ev.obs}, c.latest, true
	}

	return nil, Latest{}, false
}

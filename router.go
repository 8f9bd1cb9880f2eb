package snapmux

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Route binds a topic name to the payload type T carried under it.
type Route[T any] struct {
	topic string
}

func NewRoute[T any](topic string) Route[T] {
	return Route[T]{topic: topic}
}

func (r Route[T]) Topic() string {
	return r.topic
}

// Envelope is the JSON wire shape of every message, in both directions.
type Envelope[T any] struct {
	Topic string `json:"topic"`
	Data  T      `json:"data"`
}

type rawEnvelope struct {
	Topic *string         `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes data as an envelope for r.
func Encode[T any](r Route[T], data T) ([]byte, error) {
	return json.Marshal(Envelope[T]{Topic: r.topic, Data: data})
}

// Decode parses raw as an envelope. matched is false when the envelope is
// valid but addressed to another topic. Malformed input, a missing topic or
// data field, or data not assignable to T return an error matching ErrDecode.
func Decode[T any](r Route[T], raw []byte) (data T, matched bool, err error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return data, false, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.Topic == nil {
		return data, false, fmt.Errorf("%w: missing topic", ErrDecode)
	}
	if env.Data == nil {
		return data, false, fmt.Errorf("%w: missing data", ErrDecode)
	}
	if *env.Topic != r.topic {
		return data, false, nil
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, false, fmt.Errorf("%w: topic %q: %w", ErrDecode, r.topic, err)
	}
	return data, true, nil
}

type viewSub[T any] struct {
	fn func(T, bool)
	// set once the initial value was delivered
	ready bool
}

// View is a reactive, typed read of one route. Its value is the data of the
// latest message on the route's topic. Messages for other topics, and
// malformed ones, leave it unchanged. It goes back to its initial value when
// the channel is cleared, which happens when the connection closes.
//
// A View with at least one subscriber keeps the channel subscribed, and so
// keeps the connection open.
type View[T any] struct {
	ch     *Channel
	route  Route[T]
	def    T
	hasDef bool

	mu      sync.Mutex
	value   T
	ok      bool
	subs    []*viewSub[T]
	release func()
}

// Read returns a View of r that reports no value until a matching message
// arrives.
func Read[T any](ch *Channel, r Route[T]) *View[T] {
	return &View[T]{ch: ch, route: r}
}

// ReadWithDefault returns a View of r that reports def until a matching
// message arrives.
func ReadWithDefault[T any](ch *Channel, r Route[T], def T) *View[T] {
	return &View[T]{ch: ch, route: r, def: def, hasDef: true, value: def, ok: true}
}

// Get returns the current value. ok is false when the View has no value.
// Get never subscribes, so it never opens a connection.
func (v *View[T]) Get() (value T, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.subs) > 0 {
		return v.value, v.ok
	}
	value, ok, _ = v.derive(v.ch.Latest(), v.def, v.hasDef)
	return value, ok
}

// Subscribe calls fn with the current value, then every time it changes.
// The first subscriber of the View subscribes to the channel. The returned
// function unsubscribes and is safe to call more than once.
func (v *View[T]) Subscribe(fn func(value T, ok bool)) (unsubscribe func()) {
	s := &viewSub[T]{fn: fn}

	v.mu.Lock()
	v.subs = append(v.subs, s)
	var start func()
	if len(v.subs) == 1 {
		v.value, v.ok = v.def, v.hasDef
		v.release, start = v.ch.subscribe(v.update)
	}
	v.mu.Unlock()

	if start != nil {
		start()
	}
	v.ch.do(func() {
		v.mu.Lock()
		if !slices.Contains(v.subs, s) {
			v.mu.Unlock()
			return
		}
		s.ready = true
		value, ok := v.value, v.ok
		v.mu.Unlock()
		s.fn(value, ok)
	})

	var once sync.Once
	return func() {
		once.Do(func() { v.unsubscribe(s) })
	}
}

func (v *View[T]) unsubscribe(s *viewSub[T]) {
	v.mu.Lock()
	i := slices.Index(v.subs, s)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	v.subs = slices.Delete(v.subs, i, i+1)
	var release func()
	if len(v.subs) == 0 {
		release, v.release = v.release, nil
	}
	v.mu.Unlock()

	if release != nil {
		release()
	}
}

func (v *View[T]) update(l Latest) {
	v.mu.Lock()
	value, ok, changed := v.derive(l, v.value, v.ok)
	if !changed || (!ok && !v.ok) {
		v.mu.Unlock()
		return
	}
	v.value, v.ok = value, ok
	subs := make([]*viewSub[T], 0, len(v.subs))
	for _, s := range v.subs {
		if s.ready {
			subs = append(subs, s)
		}
	}
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(value, ok)
	}
}

// derive computes the value for cell l given the value currently held.
// changed is false when l leaves the held value in place.
func (v *View[T]) derive(l Latest, held T, heldOK bool) (value T, ok, changed bool) {
	if !l.Present {
		return v.def, v.hasDef, true
	}

	data, matched, err := Decode(v.route, l.Raw)
	if err != nil {
		v.ch.logger.Debug("ignoring malformed message",
			zap.String("topic", v.route.topic), zap.Error(err))
		return held, heldOK, false
	}
	if !matched {
		return held, heldOK, false
	}
	return data, true, true
}

// Write encodes data for r and sends it over ch's open connection. It
// returns ErrSendDropped when no connection is open.
func Write[T any](ctx context.Context, ch *Channel, r Route[T], data T) error {
	p, err := Encode(r, data)
	if err != nil {
		return fmt.Errorf("encode %q: %w", r.topic, err)
	}
	return ch.Send(ctx, p)
}

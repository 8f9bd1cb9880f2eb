package snapmux

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Atheer-Ganayem/snapmux/internal/frame"
)

// SendMessage sends p as a single message of the given type (frame.OpcodeText
// or frame.OpcodeBinary). Payloads larger than WriteBufferSize are split
// into continuation frames. Every frame is masked, as required from clients.
//
// The returned error must be checked. If it's of type snapmux.FatalError,
// that indicates the connection was closed due to an I/O or protocol error.
// Any other error means the connection is still open, and you may retry or continue using it.
func (conn *Conn) SendMessage(ctx context.Context, opcode uint8, p []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if conn.isClosed.Load() {
		return conn.closedErr()
	}
	if len(p) == 0 {
		return ErrEmptyPayload
	}
	if opcode != frame.OpcodeText && opcode != frame.OpcodeBinary {
		return frame.ErrInvalidOpcode
	}

	if err := conn.wLock.lockCtx(ctx); err != nil {
		return err
	}
	defer conn.wLock.unlock()

	chunk := conn.opts.WriteBufferSize
	for start := 0; start < len(p); start += chunk {
		end := min(start+chunk, len(p))

		op := opcode
		if start > 0 {
			op = frame.OpcodeContinuation
		}

		f, err := frame.New(end == len(p), op, true, p[start:end])
		if err != nil {
			return err
		}
		if err := conn.writeFrame(&f); err != nil {
			return err
		}
	}

	return nil
}

// SendText sends p as a text message. p must be valid UTF-8.
func (conn *Conn) SendText(ctx context.Context, p []byte) error {
	if !utf8.Valid(p) {
		return ErrInvalidUTF8
	}
	return conn.SendMessage(ctx, frame.OpcodeText, p)
}

// SendString sends the given string as a WebSocket text message.
func (conn *Conn) SendString(ctx context.Context, str string) error {
	return conn.SendText(ctx, []byte(str))
}

// SendBytes sends the given byte slice as a WebSocket binary message.
func (conn *Conn) SendBytes(ctx context.Context, b []byte) error {
	return conn.SendMessage(ctx, frame.OpcodeBinary, b)
}

// SendJSON sends the given value as a JSON-encoded WebSocket text message.
// If marshaling fails, the method returns the original marshaling error.
func (conn *Conn) SendJSON(ctx context.Context, v any) error {
	if v == nil {
		return ErrEmptyPayload
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return conn.SendMessage(ctx, frame.OpcodeText, b)
}

// Ping sends a WebSocket ping frame and waits for it to be written.
// Pings are already sent every PingEvery, you dont need to send them manually.
func (conn *Conn) Ping(ctx context.Context) error {
	return conn.sendControl(ctx, frame.OpcodePing, nil)
}

// pong answers a ping from the server with the same payload.
func (conn *Conn) pong(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), conn.opts.WriteWait)
	defer cancel()

	if err := conn.sendControl(ctx, frame.OpcodePong, payload); err != nil {
		conn.logger.Warn("pong failed", zap.Error(err))
		conn.CloseWithCode(ClosePolicyViolation, "pong failed")
		return Fatal(err)
	}

	return nil
}

func (conn *Conn) sendControl(ctx context.Context, opcode uint8, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if conn.isClosed.Load() {
		return conn.closedErr()
	}

	f, err := frame.New(true, opcode, true, payload)
	if err != nil {
		return err
	}

	if err := conn.wLock.lockCtx(ctx); err != nil {
		return err
	}
	defer conn.wLock.unlock()

	return conn.writeFrame(&f)
}

// Low level writing, the caller must hold wLock.
// A failed write leaves the stream in an unknown state, so the connection is closed.
func (conn *Conn) writeFrame(f *frame.Frame) error {
	if err := conn.raw.SetWriteDeadline(time.Now().Add(conn.opts.WriteWait)); err != nil {
		conn.shutdown(false, 0, "")
		return Fatal(err)
	}

	if _, err := conn.raw.Write(f.Bytes()); err != nil {
		conn.shutdown(false, 0, "")
		return Fatal(err)
	}

	return nil
}

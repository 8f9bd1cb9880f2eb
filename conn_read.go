package snapmux

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Atheer-Ganayem/snapmux/internal/frame"
)

// ReadMessage reads the next complete WebSocket message into memory.
// It returns the message type (frame.OpcodeText or frame.OpcodeBinary) and
// the full payload. Ping, pong and close frames are handled on the way.
//
// The returned error must be checked. If it's of type snapmux.FatalError,
// the connection was closed due to an I/O or protocol error or by the server.
// Any other error (ErrRateLimited) means the message was skipped and the
// connection is still open.
func (conn *Conn) ReadMessage() (uint8, []byte, error) {
	var (
		opcode    uint8
		buf       []byte
		inMessage bool
	)

	for {
		if conn.isClosed.Load() {
			return 0, nil, conn.closedErr()
		}

		if err := conn.raw.SetReadDeadline(time.Now().Add(conn.opts.ReadWait)); err != nil {
			conn.shutdown(false, 0, "")
			return 0, nil, Fatal(err)
		}

		f, err := frame.Read(conn.br, conn.opts.MaxMessageSize)
		if err != nil {
			return 0, nil, conn.readFailed(err)
		}

		if f.IsMasked {
			return 0, nil, conn.protocolClose(CloseProtocolError, ErrExpectedUnmaskedFrame)
		}

		if f.IsControl() {
			if err := conn.handleControl(&f); err != nil {
				return 0, nil, err
			}
			continue
		}

		if f.OPCODE == frame.OpcodeContinuation && !inMessage {
			return 0, nil, conn.protocolClose(CloseProtocolError, ErrUnexpectedContinuation)
		}
		if f.OPCODE != frame.OpcodeContinuation && inMessage {
			return 0, nil, conn.protocolClose(CloseProtocolError, ErrExpectedContinuation)
		}
		if !inMessage {
			opcode = f.OPCODE
			inMessage = true
		}

		if conn.opts.MaxMessageSize > 0 && len(buf)+len(f.Payload) > conn.opts.MaxMessageSize {
			return 0, nil, conn.protocolClose(CloseMessageTooBig, ErrMessageTooLarge)
		}
		buf = append(buf, f.Payload...)

		if !f.FIN {
			continue
		}

		if opcode == frame.OpcodeText && !utf8.Valid(buf) {
			return 0, nil, conn.protocolClose(CloseInvalidFramePayloadData, ErrInvalidUTF8)
		}

		if !conn.allow() {
			conn.logger.Debug("inbound message rate limited", zap.Int("bytes", len(buf)))
			return 0, nil, ErrRateLimited
		}

		return opcode, buf, nil
	}
}

// ReadText returns the payload of the next text message.
//
// If the received message is not of type text, it returns snapmux.ErrMessageTypeMismatch
// without closing the connection.
func (conn *Conn) ReadText() ([]byte, error) {
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	} else if msgType != frame.OpcodeText {
		return nil, ErrMessageTypeMismatch
	}

	return payload, nil
}

// ReadJSON reads a text message and unmarshals its payload into v.
// A payload that is not valid JSON returns an error without closing the connection.
func (conn *Conn) ReadJSON(v any) error {
	payload, err := conn.ReadText()
	if err != nil {
		return err
	}

	return json.Unmarshal(payload, v)
}

func (conn *Conn) handleControl(f *frame.Frame) error {
	switch f.OPCODE {
	case frame.OpcodePing:
		return conn.pong(f.Payload)
	case frame.OpcodePong:
		return nil
	case frame.OpcodeClose:
		return conn.handleClose(f.Payload)
	}

	return nil
}

// handleClose answers a close frame from the server and closes the connection.
// The payload is either empty or a uint16 close code followed by an optional
// UTF-8 reason, any violation answers with CloseProtocolError.
func (conn *Conn) handleClose(payload []byte) error {
	ce := &CloseError{Code: CloseNoStatusReceived}

	switch {
	case len(payload) == 0:
		conn.closeErr.Store(ce)
		conn.CloseWithCode(CloseNormalClosure, "")
		return Fatal(ce)
	case len(payload) == 1:
		conn.logger.Warn("invalid close frame payload")
		conn.CloseWithCode(CloseProtocolError, "invalid close frame payload")
		return Fatal(ErrConnClosed)
	}

	ce.Code = binary.BigEndian.Uint16(payload[:2])
	ce.Reason = string(payload[2:])
	if !isValidCloseCode(ce.Code) {
		conn.logger.Warn("invalid close code", zap.Uint16("code", ce.Code))
		conn.CloseWithCode(CloseProtocolError, "invalid close code")
		return Fatal(ErrConnClosed)
	}
	if !utf8.ValidString(ce.Reason) {
		conn.logger.Warn("invalid close reason", zap.Uint16("code", ce.Code))
		conn.CloseWithCode(CloseProtocolError, ErrInvalidUTF8.Error())
		return Fatal(ErrConnClosed)
	}

	conn.closeErr.Store(ce)
	conn.logger.Info("server closed connection", zap.Uint16("code", ce.Code), zap.String("reason", ce.Reason))
	conn.CloseWithCode(ce.Code, "")
	return Fatal(ce)
}

// readFailed maps a frame read error to the close it requires.
func (conn *Conn) readFailed(err error) error {
	if conn.isClosed.Load() {
		return conn.closedErr()
	}

	switch {
	case errors.Is(err, frame.ErrReservedBits),
		errors.Is(err, frame.ErrInvalidOpcode),
		errors.Is(err, frame.ErrInvalidControl):
		return conn.protocolClose(CloseProtocolError, err)
	case errors.Is(err, frame.ErrTooLarge):
		return conn.protocolClose(CloseMessageTooBig, ErrMessageTooLarge)
	}

	// network error or EOF, there is nobody left to send a close frame to.
	conn.logger.Debug("connection lost", zap.Error(err))
	conn.shutdown(false, 0, "")
	return Fatal(err)
}

func (conn *Conn) closedErr() error {
	if ce := conn.closeErr.Load(); ce != nil {
		return Fatal(ce)
	}
	return Fatal(ErrConnClosed)
}

func (conn *Conn) allow() bool {
	if conn.opts.Limiter == nil {
		return true
	}
	return conn.opts.Limiter.allow(conn)
}

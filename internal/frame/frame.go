package frame

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	OpcodeContinuation = 0x0 // Continuation frame
	OpcodeText         = 0x1 // Text frame (UTF-8)
	OpcodeBinary       = 0x2 // Binary frame
	OpcodeClose        = 0x8 // Connection close
	OpcodePing         = 0x9 // Ping
	OpcodePong         = 0xA // Pong
)

// MaxControlPayload is the largest payload a control frame may carry.
const MaxControlPayload = 125

var (
	ErrReservedBits   = errors.New("non-zero reserved bits set without negotiated extension")
	ErrInvalidOpcode  = errors.New("invalid opcode")
	ErrTooLarge       = errors.New("payload length too large")
	ErrInvalidControl = errors.New("invalid control frame")
)

type Frame struct {
	FIN           bool
	OPCODE        uint8
	PayloadLength int
	IsMasked      bool
	MaskingKey    [4]byte
	Payload       []byte
}

// New builds a frame around payload. When masked is true a random masking key
// is generated, clients must mask every frame they send.
func New(FIN bool, OPCODE uint8, masked bool, payload []byte) (Frame, error) {
	f := Frame{
		FIN:           FIN,
		OPCODE:        OPCODE,
		IsMasked:      masked,
		Payload:       payload,
		PayloadLength: len(payload),
	}

	if masked {
		if _, err := rand.Read(f.MaskingKey[:]); err != nil {
			return f, err
		}
	}

	return f, nil
}

func (f *Frame) IsText() bool {
	return f.OPCODE == OpcodeText
}

func (f *Frame) IsControl() bool {
	return IsControl(f.OPCODE)
}

func IsControl(opcode uint8) bool {
	return opcode == OpcodeClose || opcode == OpcodePing || opcode == OpcodePong
}

func IsData(opcode uint8) bool {
	return opcode == OpcodeText || opcode == OpcodeBinary || opcode == OpcodeContinuation
}

func IsValidOpcode(opcode uint8) bool {
	return IsControl(opcode) || IsData(opcode)
}

// CalcLength returns the encoded size of the frame.
func (f *Frame) CalcLength() int {
	length := 2 + f.PayloadLength

	if f.IsMasked {
		length += 4
	}

	switch {
	case f.PayloadLength < 126:
	case f.PayloadLength <= math.MaxUint16:
		length += 2
	default:
		length += 8
	}

	return length
}

// Bytes encodes the frame. The frame's Payload is left untouched, masking is
// applied to a copy.
func (f *Frame) Bytes() []byte {
	b := make([]byte, 2, f.CalcLength())

	b[0] = f.OPCODE
	if f.FIN {
		b[0] |= 0x80
	}

	if f.IsMasked {
		b[1] |= 0x80
	}

	switch {
	case f.PayloadLength < 126:
		b[1] |= byte(f.PayloadLength)
	case f.PayloadLength <= math.MaxUint16:
		b[1] |= 126
		b = binary.BigEndian.AppendUint16(b, uint16(f.PayloadLength))
	default:
		b[1] |= 127
		b = binary.BigEndian.AppendUint64(b, uint64(f.PayloadLength))
	}

	if f.IsMasked {
		b = append(b, f.MaskingKey[:]...)
		start := len(b)
		b = append(b, f.Payload...)
		Mask(b[start:], f.MaskingKey, 0)
	} else {
		b = append(b, f.Payload...)
	}

	return b
}

// Read reads and decodes one complete frame from r.
// maxPayload bounds the payload length, a value <= 0 disables the check.
func Read(r io.Reader, maxPayload int) (Frame, error) {
	var f Frame
	var hdr [8]byte

	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return f, err
	}

	f.FIN = hdr[0]&0b10000000 != 0
	f.OPCODE = hdr[0] & 0b00001111
	f.IsMasked = hdr[1]&0b10000000 != 0
	if hdr[0]&0b01110000 != 0 {
		return f, ErrReservedBits
	}
	if !IsValidOpcode(f.OPCODE) {
		return f, ErrInvalidOpcode
	}

	switch lengthB := hdr[1] & 0b01111111; lengthB {
	case 126:
		if _, err := io.ReadFull(r, hdr[:2]); err != nil {
			return f, unexpected(err)
		}
		f.PayloadLength = int(binary.BigEndian.Uint16(hdr[:2]))
	case 127:
		if _, err := io.ReadFull(r, hdr[:8]); err != nil {
			return f, unexpected(err)
		}
		n64 := binary.BigEndian.Uint64(hdr[:8])
		if n64 > math.MaxInt32 {
			return f, ErrTooLarge
		}
		f.PayloadLength = int(n64)
	default:
		f.PayloadLength = int(lengthB)
	}

	if f.IsControl() && (!f.FIN || f.PayloadLength > MaxControlPayload) {
		return f, ErrInvalidControl
	}
	if maxPayload > 0 && f.PayloadLength > maxPayload {
		return f, ErrTooLarge
	}

	if f.IsMasked {
		if _, err := io.ReadFull(r, f.MaskingKey[:]); err != nil {
			return f, unexpected(err)
		}
	}

	f.Payload = make([]byte, f.PayloadLength)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, unexpected(err)
	}

	if f.IsMasked {
		Mask(f.Payload, f.MaskingKey, 0)
	}

	return f, nil
}

// Parse decodes a frame from a byte slice that holds at least one whole frame.
func Parse(raw []byte) (Frame, error) {
	return Read(bytes.NewReader(raw), 0)
}

// Mask xors p with key starting at key offset pos and returns the next offset.
func Mask(p []byte, key [4]byte, pos int) int {
	for i := range p {
		p[i] ^= key[pos%4]
		pos++
	}
	return pos
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

package frame

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		FIN      bool
		OPCODE   uint8
		isMasked bool
		payload  []byte
	}{
		{
			name:    "simple text frame",
			FIN:     true,
			OPCODE:  OpcodeText,
			payload: []byte("hello"),
		},
		{
			name:     "binary frame with mask",
			FIN:      true,
			OPCODE:   OpcodeBinary,
			isMasked: true,
			payload:  []byte{0x01, 0x02, 0x03},
		},
		{
			name:   "ping frame no payload",
			FIN:    true,
			OPCODE: OpcodePing,
		},
		{
			name:    "continuation frame",
			OPCODE:  OpcodeContinuation,
			payload: []byte("partial"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.FIN, tt.OPCODE, tt.isMasked, tt.payload)
			require.NoError(t, err)

			assert.Equal(t, tt.FIN, f.FIN)
			assert.Equal(t, tt.OPCODE, f.OPCODE)
			assert.Equal(t, tt.isMasked, f.IsMasked)
			assert.Equal(t, len(tt.payload), f.PayloadLength)
			if !tt.isMasked {
				assert.Equal(t, [4]byte{}, f.MaskingKey)
			}
		})
	}
}

func TestBytesAndRead(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		masked     bool
		headerLen  int
	}{
		{"empty unmasked", 0, false, 2},
		{"small unmasked", 5, false, 2},
		{"small masked", 5, true, 6},
		{"boundary 125", 125, true, 6},
		{"16-bit length", 126, false, 4},
		{"16-bit max", 65535, true, 8},
		{"64-bit length", 65536, false, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'a'}, tt.payloadLen)
			f, err := New(true, OpcodeText, tt.masked, payload)
			require.NoError(t, err)

			encoded := f.Bytes()
			assert.Len(t, encoded, tt.headerLen+tt.payloadLen)
			assert.Equal(t, f.CalcLength(), len(encoded))
			// masking must not touch the caller's payload
			assert.Equal(t, bytes.Repeat([]byte{'a'}, tt.payloadLen), f.Payload)

			got, err := Read(bytes.NewReader(encoded), 0)
			require.NoError(t, err)
			assert.True(t, got.FIN)
			assert.Equal(t, uint8(OpcodeText), got.OPCODE)
			assert.Equal(t, tt.masked, got.IsMasked)
			assert.Equal(t, tt.payloadLen, got.PayloadLength)
			assert.Equal(t, payload, got.Payload)
		})
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		max     int
		wantErr error
	}{
		{
			name:    "empty input",
			raw:     nil,
			wantErr: io.EOF,
		},
		{
			name:    "reserved bits",
			raw:     []byte{0x80 | 0x40 | OpcodeText, 0x00},
			wantErr: ErrReservedBits,
		},
		{
			name:    "unknown opcode",
			raw:     []byte{0x80 | 0x3, 0x00},
			wantErr: ErrInvalidOpcode,
		},
		{
			name:    "fragmented ping",
			raw:     []byte{OpcodePing, 0x00},
			wantErr: ErrInvalidControl,
		},
		{
			name:    "oversized close",
			raw:     []byte{0x80 | OpcodeClose, 126, 0x00, 0x7e},
			wantErr: ErrInvalidControl,
		},
		{
			name:    "over max payload",
			raw:     []byte{0x80 | OpcodeText, 0x05, 'h', 'e', 'l', 'l', 'o'},
			max:     4,
			wantErr: ErrTooLarge,
		},
		{
			name:    "truncated payload",
			raw:     []byte{0x80 | OpcodeText, 0x05, 'h', 'e'},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated extended length",
			raw:     []byte{0x80 | OpcodeText, 127, 0x00},
			wantErr: io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.raw), tt.max)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse(t *testing.T) {
	// "Hello" from RFC 6455 section 5.7, masked by a client
	raw := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}

	f, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, f.IsText())
	assert.True(t, f.IsMasked)
	assert.Equal(t, "Hello", string(f.Payload))
	assert.Equal(t, [4]byte{0x37, 0xfa, 0x21, 0x3d}, f.MaskingKey)
}

func TestMaskOffset(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	whole := []byte(strings.Repeat("x", 10))
	Mask(whole, key, 0)

	split := []byte(strings.Repeat("x", 10))
	pos := Mask(split[:3], key, 0)
	Mask(split[3:], key, pos)

	assert.Equal(t, whole, split)
}

func TestOpcodeClassification(t *testing.T) {
	assert.True(t, IsControl(OpcodePing))
	assert.True(t, IsControl(OpcodeClose))
	assert.False(t, IsControl(OpcodeText))
	assert.True(t, IsData(OpcodeContinuation))
	assert.False(t, IsData(OpcodePong))
	assert.False(t, IsValidOpcode(0x3))
}

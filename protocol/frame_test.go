package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maskedFrameBytes(opcode Opcode, fin bool, payload []byte, key [4]byte) []byte {
	var b0 byte
	if fin {
		b0 = finBit
	}
	b0 |= byte(opcode) & 0x0F

	masked := make([]byte, len(payload))
	for i := range payload {
		masked[i] = payload[i] ^ key[i%4]
	}

	out := []byte{b0, byte(len(payload)) | maskBit}
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}

func TestFrameDecoderDecodesSingleMaskedFrame(t *testing.T) {
	d := newFrameDecoder(0)
	raw := maskedFrameBytes(OpcodeText, true, []byte("hi"), [4]byte{1, 2, 3, 4})
	d.feed(raw)

	f, ok, err := d.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpcodeText, f.Opcode)
	assert.True(t, f.Fin)
	assert.Equal(t, "hi", string(f.Payload))
}

func TestFrameDecoderWaitsForMoreBytes(t *testing.T) {
	d := newFrameDecoder(0)
	raw := maskedFrameBytes(OpcodeBinary, true, []byte("payload"), [4]byte{9, 9, 9, 9})
	d.feed(raw[:4])

	_, ok, err := d.next()
	require.NoError(t, err)
	assert.False(t, ok)

	d.feed(raw[4:])
	f, ok, err := d.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(f.Payload))
}

func TestFrameDecoderRejectsUnmaskedClientFrame(t *testing.T) {
	d := newFrameDecoder(0)
	raw := []byte{finBit | byte(OpcodeText), 2, 'h', 'i'}
	d.feed(raw)
	_, _, err := d.next()
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestFrameDecoderRejectsOversizedControlFrame(t *testing.T) {
	d := newFrameDecoder(0)
	payload := make([]byte, 200)
	// maskedFrameBytes only encodes 7-bit lengths, so spell out the
	// 16-bit extended length (0x00C8 = 200) here.
	raw := []byte{finBit | byte(OpcodePing), 126 | maskBit, 0x00, 0xC8, 1, 1, 1, 1}
	raw = append(raw, payload...)
	d.feed(raw)
	_, _, err := d.next()
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestFrameDecoderRejectsFrameOverLimit(t *testing.T) {
	d := newFrameDecoder(16)
	raw := maskedFrameBytes(OpcodeBinary, true, make([]byte, 32), [4]byte{1, 1, 1, 1})
	d.feed(raw)
	_, _, err := d.next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameDecoderHandlesExtended16BitLength(t *testing.T) {
	d := newFrameDecoder(0)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	key := [4]byte{5, 6, 7, 8}
	masked := make([]byte, len(payload))
	for i := range payload {
		masked[i] = payload[i] ^ key[i%4]
	}
	raw := []byte{finBit | byte(OpcodeBinary), 126 | maskBit, 0x01, 0x2C}
	raw = append(raw, key[:]...)
	raw = append(raw, masked...)

	d.feed(raw)
	f, ok, err := d.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, f.Payload)
}

func TestFrameDecoderHandlesMultipleFramesInOneChunk(t *testing.T) {
	d := newFrameDecoder(0)
	f1 := maskedFrameBytes(OpcodeText, true, []byte("a"), [4]byte{1, 1, 1, 1})
	f2 := maskedFrameBytes(OpcodeText, true, []byte("b"), [4]byte{2, 2, 2, 2})
	d.feed(append(f1, f2...))

	got1, ok, err := d.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(got1.Payload))

	got2, ok, err := d.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(got2.Payload))
}

func TestEncodeFrameIsUnmasked(t *testing.T) {
	out := EncodeFrame(OpcodeText, []byte("hello"), true)
	assert.Equal(t, finBit|byte(OpcodeText), out[0])
	assert.Equal(t, byte(5), out[1]&0x7F)
	assert.Zero(t, out[1]&maskBit)
	assert.Equal(t, "hello", string(out[2:]))
}

func TestEncodeFrameUsesExtended16BitLengthAbove125(t *testing.T) {
	payload := make([]byte, 200)
	out := EncodeFrame(OpcodeBinary, payload, true)
	assert.Equal(t, byte(126), out[1]&0x7F)
}

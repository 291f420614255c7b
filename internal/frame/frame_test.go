package frame

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, d *Decoder, chunks [][]byte) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		msg, ok, err := d.Push(c)
		require.NoError(t, err)
		if ok {
			out = append(out, msg)
		}
	}
	return out
}

func TestEncodeHello(t *testing.T) {
	chunks := Encode("hello")

	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'}, chunks[0])

	d := NewDecoder()
	msg, ok, err := d.Push(chunks[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", msg)
	assert.Equal(t, 0, d.Pending())
}

func TestEncodeEmpty(t *testing.T) {
	chunks := Encode("")

	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0, 0, 0, 0}, chunks[0])

	got := decodeAll(t, NewDecoder(), chunks)
	assert.Equal(t, []string{""}, got)
}

func TestEncodeOneByteOverFirstChunk(t *testing.T) {
	msg := strings.Repeat("x", FirstChunkPayload+1)
	chunks := Encode(msg)

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], MaxChunkSize)
	assert.Len(t, chunks[1], 1)

	d := NewDecoder()
	got, ok, err := d.Push(chunks[0])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got)

	got, ok, err = d.Push(chunks[1])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, msg, got)
	assert.Equal(t, 0, d.Pending())
}

func TestEncodeExactFirstChunk(t *testing.T) {
	chunks := Encode(strings.Repeat("y", FirstChunkPayload))

	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], MaxChunkSize)
}

func TestMultibyteRuneAcrossChunkBoundary(t *testing.T) {
	// 3-byte runes never line up with FirstChunkPayload, so one is split.
	msg := strings.Repeat("漢", FirstChunkPayload/3+10)
	chunks := Encode(msg)
	require.Len(t, chunks, 2)

	got := decodeAll(t, NewDecoder(), chunks)
	assert.Equal(t, []string{msg}, got)
}

func TestDecoderBackToBackMessages(t *testing.T) {
	big := strings.Repeat("b", 2*MaxChunkSize)
	var chunks [][]byte
	chunks = append(chunks, Encode("first")...)
	chunks = append(chunks, Encode(big)...)
	chunks = append(chunks, Encode("last")...)

	d := NewDecoder()
	got := decodeAll(t, d, chunks)

	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0])
	assert.Equal(t, big, got[1])
	assert.Equal(t, "last", got[2])
	assert.Equal(t, 0, d.Pending())
}

func TestDecoderShortHeaderWaits(t *testing.T) {
	d := NewDecoder()

	_, ok, err := d.Push([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, d.Pending())
}

func TestDecoderOversizeHeader(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, MaxMessageSize+1)

	d := NewDecoder()
	_, ok, err := d.Push(append(header, []byte("payload")...))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Pending())

	// Continuation bytes are read as a fresh header ("aaaa" is far above the
	// limit), so the dropped message never surfaces.
	_, ok, err = d.Push(bytes.Repeat([]byte("a"), 64))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Pending())
}

func TestDecoderMisaligned(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, 3)

	d := NewDecoder()
	_, ok, err := d.Push(append(header, 'a', 'b'))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = d.Push([]byte("cd"))
	assert.ErrorIs(t, err, ErrMisaligned)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Pending())

	got := decodeAll(t, d, Encode("recovered"))
	assert.Equal(t, []string{"recovered"}, got)
}

func TestDecoderMisalignedResyncsOnNextChunk(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, 2)

	d := NewDecoder()
	_, _, err := d.Push(append(header, "abcdef"...))
	require.ErrorIs(t, err, ErrMisaligned)

	// The rest of the broken message is read as a fresh first chunk, so a
	// leftover that happens to look like a header is delivered.
	leftover := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(leftover, 3)
	msg, ok, err := d.Push(append(leftover, "xyz"...))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "xyz", msg)
}

func TestDecoderInvalidUTF8(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, 3)

	msg, ok, err := NewDecoder().Push(append(header, 'o', 0xff, 'k'))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "o�k", msg)
}

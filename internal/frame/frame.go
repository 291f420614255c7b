// Package frame implements the length-prefixed chunk framing used on the
// leg between the relay and the upstream browser service.
//
// A message is sent as one or more binary chunks. The first chunk starts with
// a 4-byte little-endian header holding the total payload length; every
// following chunk carries payload only.
package frame

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

const (
	// MaxChunkSize is the largest chunk the upstream transport accepts.
	MaxChunkSize = 1048575

	// HeaderSize is the size of the length header on the first chunk.
	HeaderSize = 4

	// MaxMessageSize is the largest total payload a header may declare.
	MaxMessageSize = 100 * 1024 * 1024

	// FirstChunkPayload is the payload capacity of the first chunk.
	FirstChunkPayload = MaxChunkSize - HeaderSize
)

// Encode splits msg into chunks ready to be written as binary frames.
// Continuation chunks share memory with a single copy of msg's bytes.
func Encode(msg string) [][]byte {
	payload := []byte(msg)
	n := len(payload)

	first := make([]byte, min(MaxChunkSize, HeaderSize+n))
	binary.LittleEndian.PutUint32(first, uint32(n))
	copy(first[HeaderSize:], payload)

	chunks := [][]byte{first}
	for i := FirstChunkPayload; i < n; i += MaxChunkSize {
		chunks = append(chunks, payload[i:min(i+MaxChunkSize, n)])
	}
	return chunks
}

// Decoder reassembles chunks from one inbound direction into messages.
// A Decoder retains the chunks passed to Push until their message completes,
// so callers must not reuse those slices. It is not safe for concurrent use.
type Decoder struct {
	pending [][]byte
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push queues chunk and reports the next message once all of its bytes have
// arrived. ok is false while the message is still incomplete.
//
// When the queued chunks can never form a valid message (the header declares
// more than MaxMessageSize, or the chunk boundaries overshoot the declared
// length) every pending chunk is discarded and ErrMessageTooLarge or
// ErrMisaligned is returned. The next chunk pushed is read as a first chunk,
// even if it belongs to the discarded message.
func (d *Decoder) Push(chunk []byte) (msg string, ok bool, err error) {
	d.pending = append(d.pending, chunk)

	first := d.pending[0]
	if len(first) < HeaderSize {
		return "", false, nil
	}

	expected := int(binary.LittleEndian.Uint32(first))
	if expected > MaxMessageSize {
		d.Reset()
		return "", false, ErrMessageTooLarge
	}

	total := -HeaderSize
	for i, c := range d.pending {
		total += len(c)
		if total == expected {
			return d.splice(i+1, expected), true, nil
		}
		if total > expected {
			d.Reset()
			return "", false, ErrMisaligned
		}
	}
	return "", false, nil
}

// splice removes the first n pending chunks and joins their payload.
func (d *Decoder) splice(n, size int) string {
	combined := make([]byte, 0, size)
	combined = append(combined, d.pending[0][HeaderSize:]...)
	for _, c := range d.pending[1:n] {
		combined = append(combined, c...)
	}

	rest := make([][]byte, len(d.pending)-n)
	copy(rest, d.pending[n:])
	d.pending = rest

	if !utf8.Valid(combined) {
		return strings.ToValidUTF8(string(combined), string(utf8.RuneError))
	}
	return string(combined)
}

// Pending returns the number of chunks waiting for their message to complete.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Reset discards every pending chunk.
func (d *Decoder) Reset() {
	d.pending = nil
}

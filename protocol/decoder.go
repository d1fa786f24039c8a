package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrProtocol indicates a malformed frame. Decoding halts at the first
	// malformed frame; the Decoder must be Reset before it will parse again.
	ErrProtocol = errors.New("Malformed wire frame")

	// ErrHalted is returned by Feed after a previous ErrProtocol until the
	// Decoder is Reset.
	ErrHalted = errors.New("Decoder halted on an earlier protocol error, Reset it before feeding more bytes")

	// errIncomplete is internal only. It means the buffer does not yet hold
	// enough bytes to finish the current frame.
	errIncomplete = errors.New("incomplete frame")
)

var terminal = []byte("\r\n")

// Decoder converts an unbounded incoming byte stream into a sequence of
// complete Frames.
//
// The Decoder owns its buffer exclusively. Bytes are consumed in
// whole-frame increments only: a partial trailing frame stays buffered
// verbatim until more bytes arrive, and consumed bytes are compacted away
// so the buffer does not grow unboundedly under sustained traffic.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and parses as many complete
// frames as the buffer now holds, in order. Lines beginning with a type
// byte other than '*', '$' or ':' are plain command replies; they are
// consumed without producing a Frame.
//
// A protocol error halts the Decoder: the frames parsed before the bad
// bytes are still returned, alongside the error, and every later Feed
// returns ErrHalted until Reset is called.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, ErrHalted
	}

	d.buf = append(d.buf, p...)

	var (
		frames   []Frame
		consumed int
	)

	for consumed < len(d.buf) {
		rest := d.buf[consumed:]

		switch rest[0] {
		case '*', '$', ':':
			frame, n, err := parseFrame(rest)
			if errors.Is(err, errIncomplete) {
				d.compact(consumed)
				return frames, nil
			}

			if err != nil {
				d.err = err
				d.compact(consumed)
				return frames, err
			}

			frames = append(frames, frame)
			consumed += n

		default:
			// A simple-string or error reply ('+OK', '-ERR ...'). Not a
			// pub/sub frame, skip its line.
			end := bytes.Index(rest, terminal)
			if end < 0 {
				d.compact(consumed)
				return frames, nil
			}

			consumed += end + len(terminal)
		}
	}

	d.compact(consumed)
	return frames, nil
}

// Reset discards all buffered bytes and clears any halt condition.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.err = nil
}

// Buffered returns how many bytes are waiting for the rest of an
// incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// compact drops the first n consumed bytes, moving any trailing partial
// frame to the front of the buffer.
func (d *Decoder) compact(n int) {
	if n == 0 {
		return
	}

	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

// parseFrame parses one frame from the start of b. It returns the frame
// and the number of bytes it occupied, or errIncomplete when b does not
// yet hold the whole frame.
func parseFrame(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return Frame{}, 0, errIncomplete
	}

	switch b[0] {
	case ':':
		line, n, ok := readLine(b[1:])
		if !ok {
			return Frame{}, 0, errIncomplete
		}

		value, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return Frame{}, 0, fmt.Errorf("Failed to parse integer frame '%s': %w",
				string(line), ErrProtocol)
		}

		return Integer(value), 1 + n, nil

	case '$':
		line, n, ok := readLine(b[1:])
		if !ok {
			return Frame{}, 0, errIncomplete
		}

		length, err := strconv.Atoi(string(line))
		if err != nil {
			return Frame{}, 0, fmt.Errorf("Failed to parse bulk string length '%s': %w",
				string(line), ErrProtocol)
		}

		if length < 0 {
			// Null bulk string
			return BulkString(nil), 1 + n, nil
		}

		body := b[1+n:]
		if len(body) < length+len(terminal) {
			return Frame{}, 0, errIncomplete
		}

		if !bytes.Equal(body[length:length+len(terminal)], terminal) {
			return Frame{}, 0, fmt.Errorf("Bulk string of length %d is not terminated by CRLF: %w",
				length, ErrProtocol)
		}

		// Copy the payload out so the frame never aliases the decoder's
		// buffer, which is compacted underneath it.
		payload := make([]byte, length)
		copy(payload, body[:length])

		return BulkString(payload), 1 + n + length + len(terminal), nil

	case '*':
		line, n, ok := readLine(b[1:])
		if !ok {
			return Frame{}, 0, errIncomplete
		}

		count, err := strconv.Atoi(string(line))
		if err != nil {
			return Frame{}, 0, fmt.Errorf("Failed to parse array count '%s': %w",
				string(line), ErrProtocol)
		}

		consumed := 1 + n

		if count <= 0 {
			// Null or empty array
			return Array(), consumed, nil
		}

		items := make([]Frame, 0, count)

		for i := 0; i < count; i++ {
			item, itemLen, err := parseFrame(b[consumed:])
			if err != nil {
				// Propagates errIncomplete too: a partially received
				// array consumes nothing until it is whole.
				return Frame{}, 0, err
			}

			items = append(items, item)
			consumed += itemLen
		}

		return Array(items...), consumed, nil

	default:
		return Frame{}, 0, fmt.Errorf("Unexpected type byte %q inside a frame: %w",
			b[0], ErrProtocol)
	}
}

// readLine finds the first CRLF-terminated line in b. n counts the
// terminator, line does not include it.
func readLine(b []byte) (line []byte, n int, ok bool) {
	end := bytes.Index(b, terminal)
	if end < 0 {
		return nil, 0, false
	}

	return b[:end], end + len(terminal), true
}

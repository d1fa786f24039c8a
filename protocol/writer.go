package protocol

import (
	"io"
	"strconv"
)

// EncodeCommand serialises a command as an array of length-prefixed bulk
// strings. Lengths are byte lengths, not character counts, so multi-byte
// arguments survive intact.
func EncodeCommand(args ...string) []byte {
	b := appendHeader(nil, len(args))

	for _, arg := range args {
		b = appendBulk(b, []byte(arg))
	}

	return b
}

// EncodeCommandPayload is EncodeCommand with one raw binary payload
// appended as the final argument. The payload's length and bytes come
// straight from the slice, it is never coerced through a text encoding.
func EncodeCommandPayload(payload []byte, args ...string) []byte {
	b := appendHeader(nil, len(args)+1)

	for _, arg := range args {
		b = appendBulk(b, []byte(arg))
	}

	return appendBulk(b, payload)
}

func WriteCommand(w io.Writer, args ...string) error {
	_, err := w.Write(EncodeCommand(args...))
	return err
}

func WriteCommandPayload(w io.Writer, payload []byte, args ...string) error {
	_, err := w.Write(EncodeCommandPayload(payload, args...))
	return err
}

// The reply writers below are the server half of the wire subset. Relay
// itself only reads replies; they exist for the in-process dev server and
// for tests.

func WriteOk(w io.Writer) error {
	_, err := w.Write([]byte("+OK\r\n"))
	return err
}

func WriteError(w io.Writer, msg string) error {
	_, err := w.Write(append(append([]byte("-ERR "), msg...), terminal...))
	return err
}

func WriteInteger(w io.Writer, v int64) error {
	b := append(strconv.AppendInt([]byte{':'}, v, 10), terminal...)
	_, err := w.Write(b)
	return err
}

// WriteBulk writes a single bulk string reply.
func WriteBulk(w io.Writer, b []byte) error {
	_, err := w.Write(appendBulk(nil, b))
	return err
}

// WritePush writes an array of bulk strings with elems[len-1] allowed to
// be arbitrary binary, which covers every pub/sub push shape.
func WritePush(w io.Writer, elems ...[]byte) error {
	b := appendHeader(nil, len(elems))

	for _, elem := range elems {
		b = appendBulk(b, elem)
	}

	_, err := w.Write(b)
	return err
}

// WritePushCount writes the subscribe/unsubscribe acknowledgement shape:
// kind, name, then the remaining-subscription count as an integer frame.
func WritePushCount(w io.Writer, kind, name string, count int64) error {
	b := appendHeader(nil, 3)
	b = appendBulk(b, []byte(kind))
	b = appendBulk(b, []byte(name))
	b = append(b, ':')
	b = strconv.AppendInt(b, count, 10)
	b = append(b, terminal...)

	_, err := w.Write(b)
	return err
}

func appendHeader(b []byte, argCount int) []byte {
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(argCount), 10)
	return append(b, terminal...)
}

func appendBulk(b, arg []byte) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(arg)), 10)
	b = append(b, terminal...)
	b = append(b, arg...)
	return append(b, terminal...)
}

package protocol

type FrameType string

const (
	FrameArray      FrameType = "ARRAY"
	FrameBulkString FrameType = "BULK"
	FrameInteger    FrameType = "INTEGER"
)

// Frame is one complete parsed unit of the wire protocol. It is a closed
// union over the three reply shapes the client understands; exactly one
// of Items, Bulk, or Int is meaningful, selected by Type.
//
// Frames are immutable once parsed. Bulk always owns its bytes, it never
// aliases the decoder's internal buffer.
type Frame struct {
	Type FrameType

	// Items holds the sub-frames when Type is FrameArray
	Items []Frame

	// Bulk holds the raw bytes when Type is FrameBulkString
	Bulk []byte

	// Int holds the value when Type is FrameInteger
	Int int64
}

// Text returns the bulk payload as a string. It is a convenience view
// only; binary-oriented consumers should read Bulk directly.
func (f Frame) Text() string {
	return string(f.Bulk)
}

func Array(items ...Frame) Frame {
	return Frame{Type: FrameArray, Items: items}
}

func BulkString(b []byte) Frame {
	return Frame{Type: FrameBulkString, Bulk: b}
}

func BulkText(s string) Frame {
	return Frame{Type: FrameBulkString, Bulk: []byte(s)}
}

func Integer(v int64) Frame {
	return Frame{Type: FrameInteger, Int: v}
}

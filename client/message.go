package client

// Kind discriminates the six pub/sub event shapes a server can push.
type Kind string

const (
	KindMessage      Kind = "message"
	KindPMessage     Kind = "pmessage"
	KindSubscribe    Kind = "subscribe"
	KindPSubscribe   Kind = "psubscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindPUnsubscribe Kind = "punsubscribe"
)

// Message is one classified pub/sub event.
//
// Channel is always set. Pattern is set only for KindPMessage. Payload is
// set only for KindMessage and KindPMessage and carries the published
// bytes verbatim, arbitrary binary included. Count is set only for the
// four control kinds and carries the server's remaining-subscription
// count.
//
// Channel and Pattern have already had the configured key prefix
// stripped by the time a Message reaches application code.
type Message struct {
	Kind    Kind
	Channel string
	Pattern string
	Payload []byte
	Count   int64
}

// Text returns the payload as a string. It is a convenience view
// alongside Payload; binary consumers should read Payload directly.
func (m *Message) Text() string {
	return string(m.Payload)
}

package storage

import "context"

// Update is the fanout notification emitted whenever a channel's
// retained payload changes.
type Update struct {
	Channel string
	Payload []byte
}

// Store retains the most recent payload seen on each pub/sub channel.
type Store interface {
	Record(ctx context.Context, channel string, payload []byte) error
	Get(ctx context.Context, channel string) ([]byte, error)

	Channels() []string

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

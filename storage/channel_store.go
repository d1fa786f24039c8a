package storage

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChannelStore keeps the latest payload per channel inside a single JSON
// document. Text payloads are stored verbatim; payloads that are not
// valid UTF-8 are stored base64-encoded and flagged as binary so nothing
// is ever lost to a text coercion.
type ChannelStore struct {
	mu     sync.Mutex
	values []byte

	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (c *ChannelStore) Close() error {
	if c.isRunning() {
		close(c.stop)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, updateChan := range c.updateChans {
		close(updateChan)
	}
	c.updateChans = nil

	return nil
}

// Record replaces the retained entry for channel with payload and fans
// the update out to every listener.
func (c *ChannelStore) Record(ctx context.Context, channel string, payload []byte) (err error) {
	entry := map[string]interface{}{
		"seenAt": time.Now().UTC().Format(time.RFC3339),
	}

	if utf8.Valid(payload) {
		entry["payload"] = string(payload)
	} else {
		entry["payload"] = base64.StdEncoding.EncodeToString(payload)
		entry["binary"] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.values, err = sjson.SetBytes(c.values, escapePath(channel), entry)
	if err != nil {
		return err
	}

	if c.isRunning() {
		for _, updateChan := range c.updateChans {
			updateChan <- &Update{
				Channel: channel,
				Payload: payload,
			}
		}
	}

	return nil
}

// Get returns the retained JSON entry for channel, or nil when nothing
// has been seen on it yet.
func (c *ChannelStore) Get(ctx context.Context, channel string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := gjson.GetBytes(c.values, escapePath(channel))
	if !result.Exists() {
		return nil, nil
	}

	return []byte(result.Raw), nil
}

// Channels returns the names of every channel with a retained entry.
func (c *ChannelStore) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := make([]string, 0)

	gjson.ParseBytes(c.values).ForEach(func(key, _ gjson.Result) bool {
		channels = append(channels, key.String())
		return true
	})

	return channels
}

func (c *ChannelStore) ListenToUpdates() <-chan *Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	updateChan := make(chan *Update, 255)
	c.updateChans = append(c.updateChans, updateChan)

	return updateChan
}

func (c *ChannelStore) Restore(values []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values = values
	return nil
}

func (c *ChannelStore) Backup() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.values) == 0 {
		return []byte("{}"), nil
	}

	return c.values, nil
}

// isRunning returns true if Close has not been called
func (c *ChannelStore) isRunning() bool {
	select {
	case <-c.stop:
		return false

	default:
		return true
	}
}

// escapePath neutralises gjson path syntax so channel names containing
// dots or wildcards address one flat key instead of nesting.
func escapePath(channel string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`.`, `\.`,
		`*`, `\*`,
		`?`, `\?`,
	)

	return r.Replace(channel)
}

var _ Store = (*ChannelStore)(nil)

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
	"github.com/luma/relay/transport"
)

const (
	// DefaultAckTimeout bounds how long an unsubscribe waits for its
	// acknowledgement before resolving anyway. A lost or unsupported
	// acknowledgement must never block a caller forever.
	DefaultAckTimeout = 500 * time.Millisecond

	messageBacklog = 255
	eventBacklog   = 32
)

var ErrPingTimeout = errors.New("Server did not answer PING in time")

type Options struct {
	// Host and Port of the server
	Host string
	Port int

	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration

	// Optional credentials for the connect-time handshake
	Username string
	Password string

	// Name is sent via CLIENT SETNAME at connect time
	Name string

	// DB selects a namespace index at connect time when greater than zero
	DB int

	// KeyPrefix is prepended to every channel and pattern name on the
	// wire and stripped again before messages reach application code.
	KeyPrefix string

	// AckTimeout is the bounded fallback for unsubscribe
	// acknowledgements and publish replies. Defaults to
	// DefaultAckTimeout.
	AckTimeout time.Duration

	Log *zap.Logger
}

// Conn is a pub/sub connection. One Conn owns one transport connection,
// one frame decoder, and one subscription registry; nothing is shared
// between instances.
//
// All decoding and dispatch happens synchronously on the transport's
// read goroutine, so messages are delivered in the exact order their
// bytes arrived.
type Conn struct {
	opts       Options
	ackTimeout time.Duration

	transport *transport.TCP
	decoder   *protocol.Decoder
	registry  *Registry
	router    *Router

	messages chan *Message
	events   chan transport.Event

	replyMu     sync.Mutex
	pubWaiters  []chan int64
	pingWaiters []chan string

	log *zap.Logger
}

func New(options Options) *Conn {
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	c := &Conn{
		opts:       options,
		ackTimeout: options.AckTimeout,
		decoder:    protocol.NewDecoder(),
		registry:   NewRegistry(),
		messages:   make(chan *Message, messageBacklog),
		events:     make(chan transport.Event, eventBacklog),
		log:        options.Log,
	}

	c.router = NewRouter(c.registry, options.KeyPrefix, c.emit, options.Log.Named("router"))

	c.transport = transport.NewTCP(transport.Options{
		Host:           options.Host,
		Port:           options.Port,
		ConnectTimeout: options.ConnectTimeout,
		Username:       options.Username,
		Password:       options.Password,
		Name:           options.Name,
		DB:             options.DB,
		Log:            options.Log.Named("transport"),
	}, c)

	return c
}

// Connect dials and handshakes. Commands sent while disconnected trigger
// an implicit connect, so calling Connect up front is optional.
func (c *Conn) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the connection. Any acknowledgement still pending is
// resolved vacuously so no caller is left hanging.
func (c *Conn) Disconnect() error {
	err := c.transport.Disconnect()
	c.decoder.Reset()

	return err
}

// Status returns the transport's connection status.
func (c *Conn) Status() transport.Status {
	return c.transport.Status()
}

// Messages returns the channel pub/sub events are delivered on. Consume
// it promptly: when the backlog fills, further events are dropped with a
// warning rather than wedging the read loop.
func (c *Conn) Messages() <-chan *Message {
	return c.messages
}

// Events returns the channel transport lifecycle events are delivered
// on.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Registry exposes the connection's subscription registry.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// Subscribe adds the channels to the registry and sends SUBSCRIBE. The
// add is optimistic, matching the wire behaviour where the server
// confirms asynchronously; callers never block on confirmation.
func (c *Conn) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	args := make([]string, 0, len(channels)+1)
	args = append(args, "SUBSCRIBE")

	for _, channel := range channels {
		name := c.prefixed(channel)
		c.registry.AddChannel(name)
		args = append(args, name)
	}

	return c.transport.Send(ctx, protocol.EncodeCommand(args...))
}

// PSubscribe mirrors Subscribe for glob-style pattern subscriptions.
func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}

	args := make([]string, 0, len(patterns)+1)
	args = append(args, "PSUBSCRIBE")

	for _, pattern := range patterns {
		name := c.prefixed(pattern)
		c.registry.AddPattern(name)
		args = append(args, name)
	}

	return c.transport.Send(ctx, protocol.EncodeCommand(args...))
}

// Unsubscribe removes the channel from the registry, sends UNSUBSCRIBE,
// and waits until the matching acknowledgement arrives or the bounded
// fallback elapses, whichever is first. It never errors on a missing
// acknowledgement. When no subscriptions remain afterwards the
// connection is closed rather than kept idle.
func (c *Conn) Unsubscribe(ctx context.Context, channel string) error {
	name := c.prefixed(channel)

	c.registry.RemoveChannel(name)
	ack := c.registry.AwaitAck(name)

	if err := c.transport.Send(ctx, protocol.EncodeCommand("UNSUBSCRIBE", name)); err != nil {
		c.registry.ResolveAck(name)
		return err
	}

	if err := c.awaitAck(ctx, ack, func() { c.registry.ResolveAck(name) }); err != nil {
		return err
	}

	c.closeWhenIdle()
	return nil
}

// UnsubscribeAll clears the whole exact-channel set and sends a bare
// UNSUBSCRIBE. The server replies with one acknowledgement per formerly
// subscribed channel; the last one carries count 0 and resolves the
// wait.
func (c *Conn) UnsubscribeAll(ctx context.Context) error {
	c.registry.ClearChannels()
	ack := c.registry.AwaitAllChannels()

	if err := c.transport.Send(ctx, protocol.EncodeCommand("UNSUBSCRIBE")); err != nil {
		c.registry.ResolveAllChannels()
		return err
	}

	if err := c.awaitAck(ctx, ack, c.registry.ResolveAllChannels); err != nil {
		return err
	}

	c.closeWhenIdle()
	return nil
}

// PUnsubscribe mirrors Unsubscribe for pattern subscriptions.
func (c *Conn) PUnsubscribe(ctx context.Context, pattern string) error {
	name := c.prefixed(pattern)

	c.registry.RemovePattern(name)
	ack := c.registry.AwaitAck(name)

	if err := c.transport.Send(ctx, protocol.EncodeCommand("PUNSUBSCRIBE", name)); err != nil {
		c.registry.ResolveAck(name)
		return err
	}

	if err := c.awaitAck(ctx, ack, func() { c.registry.ResolveAck(name) }); err != nil {
		return err
	}

	c.closeWhenIdle()
	return nil
}

// PUnsubscribeAll mirrors UnsubscribeAll for pattern subscriptions.
func (c *Conn) PUnsubscribeAll(ctx context.Context) error {
	c.registry.ClearPatterns()
	ack := c.registry.AwaitAllPatterns()

	if err := c.transport.Send(ctx, protocol.EncodeCommand("PUNSUBSCRIBE")); err != nil {
		c.registry.ResolveAllPatterns()
		return err
	}

	if err := c.awaitAck(ctx, ack, c.registry.ResolveAllPatterns); err != nil {
		return err
	}

	c.closeWhenIdle()
	return nil
}

// Publish sends the payload to the channel without any text coercion and
// returns the server's delivered-count reply. Integer replies correlate
// FIFO with outstanding publishes since frames arrive in order. A reply
// that never comes resolves to 0 after the bounded fallback; callers
// never see an acknowledgement error.
func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	reply := make(chan int64, 1)

	c.replyMu.Lock()
	c.pubWaiters = append(c.pubWaiters, reply)
	c.replyMu.Unlock()

	cmd := protocol.EncodeCommandPayload(payload, "PUBLISH", c.prefixed(channel))

	if err := c.transport.Send(ctx, cmd); err != nil {
		c.dropPubWaiter(reply)
		return 0, err
	}

	select {
	case count := <-reply:
		return count, nil

	case <-time.After(c.ackTimeout):
		c.dropPubWaiter(reply)
		c.log.Warn("No publish reply within the fallback timeout",
			zap.String("channel", channel))
		return 0, nil

	case <-ctx.Done():
		c.dropPubWaiter(reply)
		return 0, ctx.Err()
	}
}

// Ping probes the connection. The token argument forces a bulk-string
// echo, which a subscribed connection delivers as a two-element pong
// push instead.
func (c *Conn) Ping(ctx context.Context) error {
	token := uuid.NewString()
	reply := make(chan string, 1)

	c.replyMu.Lock()
	c.pingWaiters = append(c.pingWaiters, reply)
	c.replyMu.Unlock()

	if err := c.transport.Send(ctx, protocol.EncodeCommand("PING", token)); err != nil {
		c.dropPingWaiter(reply)
		return err
	}

	select {
	case <-reply:
		return nil

	case <-time.After(c.ackTimeout):
		c.dropPingWaiter(reply)
		return ErrPingTimeout

	case <-ctx.Done():
		c.dropPingWaiter(reply)
		return ctx.Err()
	}
}

// HandleData implements transport.Handler. It feeds the decoder and
// dispatches every complete frame, in order.
func (c *Conn) HandleData(p []byte) {
	frames, err := c.decoder.Feed(p)

	for _, frame := range frames {
		c.dispatch(frame)
	}

	if err != nil && !errors.Is(err, protocol.ErrHalted) {
		c.log.Error("Protocol error, tear the connection down and reconnect",
			zap.Error(err))
		c.pushEvent(transport.Event{Kind: transport.EventError, Err: err})
	}
}

// HandleEvent implements transport.Handler.
func (c *Conn) HandleEvent(e transport.Event) {
	if e.Kind == transport.EventClose {
		// Nothing pending can be acknowledged any more; treat it all as
		// vacuously satisfied.
		c.registry.ResolveEverything()
		c.resolveReplyWaiters()
	}

	c.pushEvent(e)
}

func (c *Conn) dispatch(frame protocol.Frame) {
	if c.router.Route(frame) {
		return
	}

	switch frame.Type {
	case protocol.FrameInteger:
		c.resolvePublish(frame.Int)

	case protocol.FrameBulkString:
		c.resolvePing(frame.Text())

	case protocol.FrameArray:
		// A subscribed connection answers PING with a pong push
		if len(frame.Items) >= 2 && frame.Items[0].Text() == "pong" {
			c.resolvePing(frame.Items[1].Text())
		}
	}
}

func (c *Conn) emit(m *Message) {
	select {
	case c.messages <- m:

	default:
		c.log.Warn("Message backlog full, dropping event",
			zap.String("kind", string(m.Kind)),
			zap.String("channel", m.Channel))
	}
}

func (c *Conn) pushEvent(e transport.Event) {
	select {
	case c.events <- e:

	default:
		c.log.Warn("Event backlog full, dropping event",
			zap.String("kind", string(e.Kind)))
	}
}

func (c *Conn) awaitAck(ctx context.Context, ack <-chan struct{}, resolve func()) error {
	select {
	case <-ack:
		return nil

	case <-time.After(c.ackTimeout):
		c.log.Warn("No acknowledgement within the fallback timeout, resolving anyway")
		resolve()
		return nil

	case <-ctx.Done():
		resolve()
		return ctx.Err()
	}
}

// closeWhenIdle closes the connection once nothing is subscribed any
// more. Idle subscriber connections are not kept open.
func (c *Conn) closeWhenIdle() {
	if c.registry.Empty() && c.transport.Status() == transport.Connected {
		if err := c.Disconnect(); err != nil {
			c.log.Warn("Failed to close idle connection", zap.Error(err))
		}
	}
}

func (c *Conn) resolvePublish(count int64) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	if len(c.pubWaiters) == 0 {
		return
	}

	waiter := c.pubWaiters[0]
	c.pubWaiters = c.pubWaiters[1:]
	waiter <- count
}

func (c *Conn) resolvePing(token string) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	if len(c.pingWaiters) == 0 {
		return
	}

	waiter := c.pingWaiters[0]
	c.pingWaiters = c.pingWaiters[1:]
	waiter <- token
}

// resolveReplyWaiters releases every outstanding publish and ping waiter
// when the connection closes.
func (c *Conn) resolveReplyWaiters() {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	for _, waiter := range c.pubWaiters {
		waiter <- 0
	}
	c.pubWaiters = nil

	for _, waiter := range c.pingWaiters {
		waiter <- ""
	}
	c.pingWaiters = nil
}

func (c *Conn) dropPubWaiter(reply chan int64) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	for i, waiter := range c.pubWaiters {
		if waiter == reply {
			c.pubWaiters = append(c.pubWaiters[:i], c.pubWaiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) dropPingWaiter(reply chan string) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	for i, waiter := range c.pingWaiters {
		if waiter == reply {
			c.pingWaiters = append(c.pingWaiters[:i], c.pingWaiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) prefixed(name string) string {
	return c.opts.KeyPrefix + name
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

var (
	ErrConnectionTimeout = errors.New("Connection could not be established within the connect timeout")
	ErrHandshake         = errors.New("Server rejected a handshake command")
	ErrNotConnected      = errors.New("Transport is not connected")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

type EventKind string

const (
	EventConnecting EventKind = "connecting"
	EventConnect    EventKind = "connect"
	EventReady      EventKind = "ready"
	EventClose      EventKind = "close"
	EventEnd        EventKind = "end"
	EventError      EventKind = "error"
)

// Event is a transport lifecycle notification. Err is set only for
// EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// Handler receives raw bytes and lifecycle events from the transport.
// Both methods are invoked synchronously on the transport's read
// goroutine, in the exact order bytes and events occurred.
type Handler interface {
	HandleData(p []byte)
	HandleEvent(e Event)
}

// TCP owns a single duplex byte-stream connection to the server. It
// dials, performs the optional handshake (credentials, connection
// naming, namespace selection), and relays raw bytes both ways.
type TCP struct {
	opts    Options
	addr    string
	handler Handler

	mu         sync.Mutex
	conn       *net.TCPConn
	status     Status
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	log *zap.Logger
}

func NewTCP(options Options, handler Handler) *TCP {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}

	if options.Name == "" {
		options.Name = "relay-" + uuid.NewString()
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &TCP{
		opts:    options,
		addr:    net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		handler: handler,
		log:     options.Log,
	}
}

// Status returns the current connection status.
func (t *TCP) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// Connect dials the server and runs the handshake. It is a no-op when
// already connected. Handshake commands are issued sequentially, each
// awaiting its reply before the next is sent; an error reply fails the
// connect with ErrHandshake and tears the socket back down.
func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Disconnected {
		return nil
	}

	t.status = Connecting
	t.handler.HandleEvent(Event{Kind: EventConnecting})

	dialer := net.Dialer{Timeout: t.opts.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.status = Disconnected

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("Failed to connect to %s: %w", t.addr, ErrConnectionTimeout)
		}

		return err
	}

	t.conn = conn.(*net.TCPConn)
	t.handler.HandleEvent(Event{Kind: EventConnect})

	leftover, err := t.handshake()
	if err != nil {
		t.conn.Close()
		t.conn = nil
		t.status = Disconnected

		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.status = Connected
	t.handler.HandleEvent(Event{Kind: EventReady})

	t.loopWaiter.Add(1)
	go func() {
		defer t.loopWaiter.Done()
		t.readLoop(loopCtx, leftover)
	}()

	t.log.Info("Connected", zap.String("addr", t.addr))

	return nil
}

// Send writes raw bytes to the socket. A disconnected transport connects
// implicitly first.
func (t *TCP) Send(ctx context.Context, p []byte) error {
	if t.Status() != Connected {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("Failed to send %d bytes: %w", len(p), ErrNotConnected)
	}

	_, err := conn.Write(p)
	return err
}

// Disconnect tears down the read loop and closes the socket. It is
// idempotent and never errors on an already-disconnected transport.
func (t *TCP) Disconnect() (err error) {
	t.mu.Lock()

	if t.status == Disconnected {
		t.mu.Unlock()
		return nil
	}

	t.status = Disconnected
	conn := t.conn
	t.conn = nil

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	t.mu.Unlock()

	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !isClosedConn(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	t.loopWaiter.Wait()

	t.handler.HandleEvent(Event{Kind: EventClose})
	t.handler.HandleEvent(Event{Kind: EventEnd})

	t.log.Info("Disconnected", zap.String("addr", t.addr))

	return err
}

// handshake issues the configured connect-time commands. It reads replies
// directly off the socket; any bytes the reader over-buffered past the
// last reply are returned so the read loop can replay them.
func (t *TCP) handshake() ([]byte, error) {
	// The connect timeout covers the handshake too: a server that
	// accepts but never answers must not hang Connect forever.
	if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.ConnectTimeout)); err != nil {
		return nil, err
	}

	defer t.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	r := bufio.NewReader(t.conn)

	commands := make([][]string, 0, 3)

	if t.opts.Password != "" {
		if t.opts.Username != "" {
			commands = append(commands, []string{"AUTH", t.opts.Username, t.opts.Password})
		} else {
			commands = append(commands, []string{"AUTH", t.opts.Password})
		}
	}

	commands = append(commands, []string{"CLIENT", "SETNAME", t.opts.Name})

	if t.opts.DB > 0 {
		commands = append(commands, []string{"SELECT", strconv.Itoa(t.opts.DB)})
	}

	for _, command := range commands {
		if err := protocol.WriteCommand(t.conn, command...); err != nil {
			return nil, err
		}

		reply, err := r.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("No reply to %s within the connect timeout: %w",
					command[0], ErrConnectionTimeout)
			}

			return nil, err
		}

		if len(reply) > 0 && reply[0] == '-' {
			return nil, fmt.Errorf("Server replied '%s' to %s: %w",
				strings.TrimSpace(string(reply[1:])), command[0], ErrHandshake)
		}
	}

	if r.Buffered() == 0 {
		return nil, nil
	}

	leftover := make([]byte, r.Buffered())
	if _, err := r.Read(leftover); err != nil {
		return nil, err
	}

	return leftover, nil
}

func (t *TCP) readLoop(ctx context.Context, leftover []byte) {
	log := t.log.Named("readLoop")

	if len(leftover) > 0 {
		t.handler.HandleData(leftover)
	}

	buf := make([]byte, 16*1024)

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			return
		}

		n, err := conn.Read(buf)

		if n > 0 {
			t.handler.HandleData(buf[:n])
		}

		if err != nil {
			select {
			case <-ctx.Done():
				// Disconnect() closed the socket under us
				return

			default:
			}

			if !isClosedConn(err) {
				log.Warn("Read failed", zap.Error(err))
				t.handler.HandleEvent(Event{Kind: EventError, Err: err})
			}

			t.markClosed()
			return
		}
	}
}

// markClosed records a connection dropped by the far side, as opposed to
// one torn down via Disconnect.
func (t *TCP) markClosed() {
	t.mu.Lock()
	if t.status == Disconnected {
		t.mu.Unlock()
		return
	}

	t.status = Disconnected
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	t.handler.HandleEvent(Event{Kind: EventClose})
	t.handler.HandleEvent(Event{Kind: EventEnd})
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

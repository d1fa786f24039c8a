// Package respserver is a minimal in-process pub/sub server speaking the
// same wire subset the client does. It backs the integration tests and
// the dev-server command; it is not a production server.
package respserver

import (
	"context"
	"errors"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Zero picks an ephemeral port; see Addr.
	Port int

	// Password, when non-empty, must be presented via AUTH before any
	// other command is accepted.
	Password string

	Log *zap.Logger
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts     Options
	listener net.Listener

	mu          sync.Mutex
	activeConns map[*serverConn]struct{}
	channels    map[string]map[*serverConn]struct{}
	patterns    map[string]map[*serverConn]struct{}

	loopWaiter sync.WaitGroup

	log *zap.Logger
}

func New(options Options) *Server {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		ctx:         ctx,
		cancel:      cancel,
		opts:        options,
		activeConns: make(map[*serverConn]struct{}),
		channels:    make(map[string]map[*serverConn]struct{}),
		patterns:    make(map[string]map[*serverConn]struct{}),
		log:         options.Log,
	}
}

// Start begins accepting connections. It returns once the listener is
// bound, so a caller can immediately dial Addr.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listener = listener

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop()
	}()

	s.log.Info("Listening", zap.String("addr", listener.Addr().String()))

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and closes every active connection.
func (s *Server) Close() (err error) {
	s.cancel()

	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !isClosedConn(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.close())
	}

	s.loopWaiter.Wait()

	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return

			default:
			}

			var netOpError *net.OpError
			if errors.As(err, &netOpError) && isClosedConn(err) {
				return
			}

			s.log.Warn("Accept failed", zap.Error(err))
			return
		}

		sc := &serverConn{
			server:  s,
			conn:    conn,
			decoder: protocol.NewDecoder(),
			subs:    make(map[string]struct{}),
			psubs:   make(map[string]struct{}),
			authed:  s.opts.Password == "",
			log:     s.log.Named("conn"),
		}

		s.addConn(sc)

		s.loopWaiter.Add(1)
		go func() {
			defer s.loopWaiter.Done()
			sc.readLoop()
		}()
	}
}

func (s *Server) addConn(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeConns[sc] = struct{}{}
}

func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeConns, sc)

	for name := range sc.subs {
		s.dropSub(s.channels, name, sc)
	}

	for name := range sc.psubs {
		s.dropSub(s.patterns, name, sc)
	}
}

func (s *Server) subscribe(sc *serverConn, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channels[name] == nil {
		s.channels[name] = make(map[*serverConn]struct{})
	}

	s.channels[name][sc] = struct{}{}
}

func (s *Server) psubscribe(sc *serverConn, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.patterns[name] == nil {
		s.patterns[name] = make(map[*serverConn]struct{})
	}

	s.patterns[name][sc] = struct{}{}
}

func (s *Server) unsubscribe(sc *serverConn, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropSub(s.channels, name, sc)
}

func (s *Server) punsubscribe(sc *serverConn, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropSub(s.patterns, name, sc)
}

func (s *Server) dropSub(index map[string]map[*serverConn]struct{}, name string, sc *serverConn) {
	if subs, ok := index[name]; ok {
		delete(subs, sc)

		if len(subs) == 0 {
			delete(index, name)
		}
	}
}

// publish delivers payload to every exact subscriber of channel and
// every pattern subscriber whose glob matches it, returning the count of
// deliveries.
func (s *Server) publish(channel string, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delivered int64

	for sc := range s.channels[channel] {
		if err := sc.writePush([]byte("message"), []byte(channel), payload); err != nil {
			s.log.Warn("Failed to deliver message", zap.Error(err))
			continue
		}

		delivered++
	}

	for pattern, subs := range s.patterns {
		if matched, err := path.Match(pattern, channel); err != nil || !matched {
			continue
		}

		for sc := range subs {
			if err := sc.writePush([]byte("pmessage"), []byte(pattern), []byte(channel), payload); err != nil {
				s.log.Warn("Failed to deliver pmessage", zap.Error(err))
				continue
			}

			delivered++
		}
	}

	return delivered
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

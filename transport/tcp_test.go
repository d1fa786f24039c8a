package transport_test

import (
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/internal/respserver"
	"github.com/luma/relay/protocol"
	"github.com/luma/relay/transport"
)

// recordingHandler captures everything the transport hands it.
type recordingHandler struct {
	mu     sync.Mutex
	data   []byte
	events []transport.EventKind
}

func (h *recordingHandler) HandleData(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data = append(h.data, p...)
}

func (h *recordingHandler) HandleEvent(e transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, e.Kind)
}

func (h *recordingHandler) Events() []transport.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]transport.EventKind(nil), h.events...)
}

func (h *recordingHandler) Data() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]byte(nil), h.data...)
}

var _ = Describe("TCP", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		handler *recordingHandler
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		handler = &recordingHandler{}
	})

	AfterEach(func() {
		cancel()
	})

	startServer := func(password string) *respserver.Server {
		server := respserver.New(respserver.Options{
			Host:     "127.0.0.1",
			Password: password,
		})
		Expect(server.Start()).To(Succeed())

		return server
	}

	makeTransport := func(server *respserver.Server, mutate func(*transport.Options)) *transport.TCP {
		opts := transport.Options{
			Host: "127.0.0.1",
			Port: server.Addr().(*net.TCPAddr).Port,
		}

		if mutate != nil {
			mutate(&opts)
		}

		return transport.NewTCP(opts, handler)
	}

	It("connects and emits the lifecycle events in order", func() {
		server := startServer("")
		defer server.Close()

		tcp := makeTransport(server, nil)
		defer tcp.Disconnect()

		Expect(tcp.Status()).To(Equal(transport.Disconnected))
		Expect(tcp.Connect(ctx)).To(Succeed())
		Expect(tcp.Status()).To(Equal(transport.Connected))

		Expect(handler.Events()).To(Equal([]transport.EventKind{
			transport.EventConnecting,
			transport.EventConnect,
			transport.EventReady,
		}))
	})

	It("treats Connect as a no-op when already connected", func() {
		server := startServer("")
		defer server.Close()

		tcp := makeTransport(server, nil)
		defer tcp.Disconnect()

		Expect(tcp.Connect(ctx)).To(Succeed())
		Expect(tcp.Connect(ctx)).To(Succeed())

		// The lifecycle ran once
		Expect(handler.Events()).To(HaveLen(3))
	})

	It("authenticates during the handshake", func() {
		server := startServer("sekrit")
		defer server.Close()

		tcp := makeTransport(server, func(o *transport.Options) {
			o.Password = "sekrit"
		})
		defer tcp.Disconnect()

		Expect(tcp.Connect(ctx)).To(Succeed())
		Expect(tcp.Status()).To(Equal(transport.Connected))
	})

	It("fails the connect when the server rejects the credentials", func() {
		server := startServer("sekrit")
		defer server.Close()

		tcp := makeTransport(server, func(o *transport.Options) {
			o.Password = "wrong"
		})

		err := tcp.Connect(ctx)
		Expect(err).To(MatchError(transport.ErrHandshake))
		Expect(tcp.Status()).To(Equal(transport.Disconnected))
	})

	It("gives up on a server that accepts but never answers", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		defer listener.Close()

		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			// Hold the connection open without replying
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}()

		tcp := transport.NewTCP(transport.Options{
			Host:           "127.0.0.1",
			Port:           listener.Addr().(*net.TCPAddr).Port,
			ConnectTimeout: 100 * time.Millisecond,
		}, handler)

		err = tcp.Connect(ctx)
		Expect(err).To(MatchError(transport.ErrConnectionTimeout))
		Expect(tcp.Status()).To(Equal(transport.Disconnected))
	})

	It("connects implicitly on Send and relays the reply bytes", func() {
		server := startServer("")
		defer server.Close()

		tcp := makeTransport(server, nil)
		defer tcp.Disconnect()

		Expect(tcp.Send(ctx, protocol.EncodeCommand("PING"))).To(Succeed())
		Expect(tcp.Status()).To(Equal(transport.Connected))

		Eventually(handler.Data).Should(Equal([]byte("+PONG\r\n")))
	})

	It("disconnects idempotently", func() {
		server := startServer("")
		defer server.Close()

		tcp := makeTransport(server, nil)

		Expect(tcp.Connect(ctx)).To(Succeed())
		Expect(tcp.Disconnect()).To(Succeed())
		Expect(tcp.Disconnect()).To(Succeed())

		Expect(handler.Events()).To(Equal([]transport.EventKind{
			transport.EventConnecting,
			transport.EventConnect,
			transport.EventReady,
			transport.EventClose,
			transport.EventEnd,
		}))
	})

	It("notices when the far side closes the connection", func() {
		server := startServer("")
		defer server.Close()

		tcp := makeTransport(server, nil)
		defer tcp.Disconnect()

		Expect(tcp.Connect(ctx)).To(Succeed())

		Expect(server.Close()).To(Succeed())

		Eventually(tcp.Status).Should(Equal(transport.Disconnected))
		Eventually(handler.Events).Should(ContainElement(transport.EventEnd))
	})
})

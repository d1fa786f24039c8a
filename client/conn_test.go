package client_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/client"
	"github.com/luma/relay/internal/respserver"
	"github.com/luma/relay/transport"
)

var _ = Describe("Conn", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		server *respserver.Server
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		server = respserver.New(respserver.Options{Host: "127.0.0.1"})
		Expect(server.Start()).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Expect(server.Close()).To(Succeed())
	})

	makeConn := func(mutate func(*client.Options)) *client.Conn {
		opts := client.Options{
			Host:       "127.0.0.1",
			Port:       server.Addr().(*net.TCPAddr).Port,
			AckTimeout: 200 * time.Millisecond,
		}

		if mutate != nil {
			mutate(&opts)
		}

		return client.New(opts)
	}

	// nextOfKind drains the message channel until an event of the wanted
	// kind arrives.
	nextOfKind := func(conn *client.Conn, kind client.Kind) *client.Message {
		timeout := time.After(2 * time.Second)

		for {
			select {
			case msg := <-conn.Messages():
				if msg.Kind == kind {
					return msg
				}

			case <-timeout:
				Fail("Timed out waiting for a " + string(kind) + " event")
				return nil
			}
		}
	}

	It("delivers a published payload to a subscriber exactly once", func() {
		sub := makeConn(nil)
		defer sub.Disconnect()

		Expect(sub.Subscribe(ctx, "orders")).To(Succeed())
		nextOfKind(sub, client.KindSubscribe)

		pub := makeConn(nil)
		defer pub.Disconnect()

		delivered, err := pub.Publish(ctx, "orders", []byte(`{"id":1}`))
		Expect(err).To(Succeed())
		Expect(delivered).To(Equal(int64(1)))

		msg := nextOfKind(sub, client.KindMessage)
		Expect(msg.Channel).To(Equal("orders"))
		Expect(msg.Text()).To(Equal(`{"id":1}`))

		// Exactly once: nothing else shows up
		Consistently(sub.Messages(), 200*time.Millisecond).ShouldNot(Receive())
	})

	It("delivers pattern matches as pmessage", func() {
		sub := makeConn(nil)
		defer sub.Disconnect()

		Expect(sub.PSubscribe(ctx, "news.*")).To(Succeed())
		nextOfKind(sub, client.KindPSubscribe)

		pub := makeConn(nil)
		defer pub.Disconnect()

		_, err := pub.Publish(ctx, "news.sports", []byte("goal"))
		Expect(err).To(Succeed())

		msg := nextOfKind(sub, client.KindPMessage)
		Expect(msg.Pattern).To(Equal("news.*"))
		Expect(msg.Channel).To(Equal("news.sports"))
		Expect(msg.Text()).To(Equal("goal"))
	})

	It("round-trips arbitrary binary payloads byte for byte", func() {
		payload := []byte{0x00, '\r', '\n', 0xff, 0x42, 0x00}

		sub := makeConn(nil)
		defer sub.Disconnect()

		Expect(sub.Subscribe(ctx, "bin")).To(Succeed())
		nextOfKind(sub, client.KindSubscribe)

		pub := makeConn(nil)
		defer pub.Disconnect()

		_, err := pub.Publish(ctx, "bin", payload)
		Expect(err).To(Succeed())

		msg := nextOfKind(sub, client.KindMessage)
		Expect(msg.Payload).To(Equal(payload))
	})

	It("reports how many subscribers a publish reached", func() {
		pub := makeConn(nil)
		defer pub.Disconnect()

		delivered, err := pub.Publish(ctx, "nobody-listens", []byte("hi"))
		Expect(err).To(Succeed())
		Expect(delivered).To(BeZero())
	})

	It("prefixes names on the wire and strips them on delivery", func() {
		sub := makeConn(func(o *client.Options) { o.KeyPrefix = "tenant1:" })
		defer sub.Disconnect()

		Expect(sub.Subscribe(ctx, "orders")).To(Succeed())
		nextOfKind(sub, client.KindSubscribe)

		// The registry tracks the wire-level name
		Expect(sub.Registry().Channels()).To(ConsistOf("tenant1:orders"))

		// An unprefixed publisher must target the prefixed name
		pub := makeConn(nil)
		defer pub.Disconnect()

		_, err := pub.Publish(ctx, "tenant1:orders", []byte("x"))
		Expect(err).To(Succeed())

		msg := nextOfKind(sub, client.KindMessage)
		Expect(msg.Channel).To(Equal("orders"))
	})

	It("closes the connection once nothing remains subscribed", func() {
		conn := makeConn(nil)
		defer conn.Disconnect()

		Expect(conn.Subscribe(ctx, "ch1")).To(Succeed())
		nextOfKind(conn, client.KindSubscribe)

		Expect(conn.Unsubscribe(ctx, "ch1")).To(Succeed())

		Expect(conn.Registry().Channels()).To(BeEmpty())
		Expect(conn.Status()).To(Equal(transport.Disconnected))
	})

	It("keeps the connection open while other subscriptions remain", func() {
		conn := makeConn(nil)
		defer conn.Disconnect()

		Expect(conn.Subscribe(ctx, "a", "b")).To(Succeed())
		nextOfKind(conn, client.KindSubscribe)

		Expect(conn.Unsubscribe(ctx, "a")).To(Succeed())
		Expect(conn.Status()).To(Equal(transport.Connected))
		Expect(conn.Registry().Channels()).To(ConsistOf("b"))
	})

	It("clears everything on a bare unsubscribe", func() {
		conn := makeConn(nil)
		defer conn.Disconnect()

		Expect(conn.Subscribe(ctx, "a", "b")).To(Succeed())
		nextOfKind(conn, client.KindSubscribe)

		Expect(conn.UnsubscribeAll(ctx)).To(Succeed())
		Expect(conn.Registry().Channels()).To(BeEmpty())
		Expect(conn.Status()).To(Equal(transport.Disconnected))
	})

	It("answers Ping, subscribed or not", func() {
		conn := makeConn(nil)
		defer conn.Disconnect()

		Expect(conn.Connect(ctx)).To(Succeed())
		Expect(conn.Ping(ctx)).To(Succeed())

		Expect(conn.Subscribe(ctx, "ch")).To(Succeed())
		nextOfKind(conn, client.KindSubscribe)

		Expect(conn.Ping(ctx)).To(Succeed())
	})

	Describe("against a server that never acknowledges", func() {
		var (
			listener net.Listener
			stop     chan struct{}
		)

		BeforeEach(func() {
			var err error
			listener, err = net.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Succeed())

			stop = make(chan struct{})

			// Replies +OK to every chunk it reads, which satisfies the
			// handshake but never acknowledges an unsubscribe.
			go func() {
				for {
					conn, err := listener.Accept()
					if err != nil {
						return
					}

					go func(conn net.Conn) {
						defer conn.Close()

						buf := make([]byte, 4096)
						for {
							select {
							case <-stop:
								return
							default:
							}

							if _, err := conn.Read(buf); err != nil {
								return
							}

							if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
								return
							}
						}
					}(conn)
				}
			}()
		})

		AfterEach(func() {
			close(stop)
			listener.Close()
		})

		It("resolves a bare unsubscribe via the bounded fallback", func() {
			conn := client.New(client.Options{
				Host:       "127.0.0.1",
				Port:       listener.Addr().(*net.TCPAddr).Port,
				AckTimeout: 100 * time.Millisecond,
			})
			defer conn.Disconnect()

			Expect(conn.Subscribe(ctx, "a", "b")).To(Succeed())

			started := time.Now()
			Expect(conn.UnsubscribeAll(ctx)).To(Succeed())

			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
			Expect(conn.Registry().Channels()).To(BeEmpty())
		})

		It("resolves a named unsubscribe via the bounded fallback", func() {
			conn := client.New(client.Options{
				Host:       "127.0.0.1",
				Port:       listener.Addr().(*net.TCPAddr).Port,
				AckTimeout: 100 * time.Millisecond,
			})
			defer conn.Disconnect()

			Expect(conn.Subscribe(ctx, "a", "b")).To(Succeed())

			started := time.Now()
			Expect(conn.Unsubscribe(ctx, "a")).To(Succeed())
			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		})
	})

	It("resolves pending acknowledgements when the connection closes", func() {
		conn := makeConn(nil)

		Expect(conn.Subscribe(ctx, "ch")).To(Succeed())
		nextOfKind(conn, client.KindSubscribe)

		ack := conn.Registry().AwaitAck("never-acknowledged")

		Expect(conn.Disconnect()).To(Succeed())
		Expect(ack).To(BeClosed())
	})
})

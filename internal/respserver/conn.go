package respserver

import (
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

type serverConn struct {
	server  *Server
	conn    net.Conn
	decoder *protocol.Decoder

	// subs and psubs are this connection's own subscription sets; the
	// server's channel/pattern indexes are the authoritative fanout maps.
	subs   map[string]struct{}
	psubs  map[string]struct{}
	authed bool

	writeMu sync.Mutex

	log *zap.Logger
}

func (sc *serverConn) close() error {
	err := sc.conn.Close()
	if isClosedConn(err) {
		return nil
	}

	return err
}

func (sc *serverConn) readLoop() {
	defer func() {
		sc.server.removeConn(sc)
		sc.close()
	}()

	buf := make([]byte, 16*1024)

	for {
		n, err := sc.conn.Read(buf)

		if n > 0 {
			frames, derr := sc.decoder.Feed(buf[:n])

			for _, frame := range frames {
				sc.handle(frame)
			}

			if derr != nil {
				sc.writeError("Protocol error: " + derr.Error())
				return
			}
		}

		if err != nil {
			return
		}
	}
}

func (sc *serverConn) handle(frame protocol.Frame) {
	if frame.Type != protocol.FrameArray || len(frame.Items) == 0 {
		sc.writeError("expected a command array")
		return
	}

	args := make([][]byte, 0, len(frame.Items))
	for _, item := range frame.Items {
		args = append(args, item.Bulk)
	}

	command := strings.ToUpper(string(args[0]))

	if command == "AUTH" {
		sc.handleAuth(args)
		return
	}

	if !sc.authed {
		sc.writeError("NOAUTH Authentication required")
		return
	}

	switch command {
	case "CLIENT", "SELECT":
		sc.writeOk()

	case "PING":
		sc.handlePing(args)

	case "SUBSCRIBE":
		for _, name := range args[1:] {
			sc.subs[string(name)] = struct{}{}
			sc.server.subscribe(sc, string(name))
			sc.writePushCount("subscribe", string(name), sc.subCount())
		}

	case "UNSUBSCRIBE":
		sc.handleUnsubscribe(args[1:], false)

	case "PSUBSCRIBE":
		for _, name := range args[1:] {
			sc.psubs[string(name)] = struct{}{}
			sc.server.psubscribe(sc, string(name))
			sc.writePushCount("psubscribe", string(name), sc.subCount())
		}

	case "PUNSUBSCRIBE":
		sc.handleUnsubscribe(args[1:], true)

	case "PUBLISH":
		if len(args) < 3 {
			sc.writeError("wrong number of arguments for 'publish'")
			return
		}

		delivered := sc.server.publish(string(args[1]), args[2])
		sc.writeInteger(delivered)

	default:
		sc.writeError("unknown command '" + string(args[0]) + "'")
	}
}

func (sc *serverConn) handleAuth(args [][]byte) {
	if sc.server.opts.Password == "" {
		sc.writeError("Client sent AUTH, but no password is set")
		return
	}

	// AUTH password, or AUTH username password
	password := string(args[len(args)-1])
	if len(args) < 2 || password != sc.server.opts.Password {
		sc.writeError("invalid username-password pair or user is disabled")
		return
	}

	sc.authed = true
	sc.writeOk()
}

func (sc *serverConn) handlePing(args [][]byte) {
	if len(args) == 1 {
		sc.writeLine("+PONG")
		return
	}

	// A subscribed connection gets its PING back as a pong push
	if sc.subCount() > 0 {
		sc.writePush([]byte("pong"), args[1])
		return
	}

	sc.writeBulk(args[1])
}

// handleUnsubscribe removes the named subscriptions, or every current
// one when no names were given, acknowledging each removal with the
// remaining-subscription count. The bare form with nothing subscribed
// still acknowledges once, with an empty name and count 0.
func (sc *serverConn) handleUnsubscribe(names [][]byte, pattern bool) {
	kind := "unsubscribe"
	set := sc.subs
	if pattern {
		kind = "punsubscribe"
		set = sc.psubs
	}

	if len(names) == 0 {
		names = make([][]byte, 0, len(set))
		for name := range set {
			names = append(names, []byte(name))
		}

		if len(names) == 0 {
			sc.writePushCount(kind, "", 0)
			return
		}
	}

	for _, name := range names {
		delete(set, string(name))

		if pattern {
			sc.server.punsubscribe(sc, string(name))
		} else {
			sc.server.unsubscribe(sc, string(name))
		}

		sc.writePushCount(kind, string(name), sc.subCount())
	}
}

func (sc *serverConn) subCount() int64 {
	return int64(len(sc.subs) + len(sc.psubs))
}

func (sc *serverConn) writeOk() {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := protocol.WriteOk(sc.conn); err != nil {
		sc.log.Warn("Failed to write reply", zap.Error(err))
	}
}

func (sc *serverConn) writeLine(line string) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if _, err := sc.conn.Write([]byte(line + "\r\n")); err != nil {
		sc.log.Warn("Failed to write reply", zap.Error(err))
	}
}

func (sc *serverConn) writeError(msg string) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := protocol.WriteError(sc.conn, msg); err != nil {
		sc.log.Warn("Failed to write error reply", zap.Error(err))
	}
}

func (sc *serverConn) writeInteger(v int64) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := protocol.WriteInteger(sc.conn, v); err != nil {
		sc.log.Warn("Failed to write integer reply", zap.Error(err))
	}
}

func (sc *serverConn) writeBulk(b []byte) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := protocol.WriteBulk(sc.conn, b); err != nil {
		sc.log.Warn("Failed to write bulk reply", zap.Error(err))
	}
}

func (sc *serverConn) writePush(elems ...[]byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	return protocol.WritePush(sc.conn, elems...)
}

func (sc *serverConn) writePushCount(kind, name string, count int64) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := protocol.WritePushCount(sc.conn, kind, name, count); err != nil {
		sc.log.Warn("Failed to write acknowledgement", zap.Error(err))
	}
}

package client

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

// Router classifies decoded frames into Messages, strips the configured
// key prefix at the boundary, and resolves pending unsubscribe
// acknowledgements against the Registry.
type Router struct {
	registry *Registry
	prefix   string
	emit     func(*Message)
	log      *zap.Logger
}

func NewRouter(registry *Registry, prefix string, emit func(*Message), log *zap.Logger) *Router {
	return &Router{
		registry: registry,
		prefix:   prefix,
		emit:     emit,
		log:      log,
	}
}

// Route inspects one top-level frame. It returns true when the frame was
// a pub/sub event; anything else is left for the caller.
func (r *Router) Route(frame protocol.Frame) bool {
	if frame.Type != protocol.FrameArray || len(frame.Items) == 0 {
		return false
	}

	kind := Kind(frame.Items[0].Text())

	switch kind {
	case KindMessage:
		if len(frame.Items) < 3 {
			r.log.Warn("Dropping truncated message frame",
				zap.Int("elements", len(frame.Items)))
			return true
		}

		r.emit(&Message{
			Kind:    KindMessage,
			Channel: r.strip(frame.Items[1].Text()),
			Payload: frame.Items[2].Bulk,
		})

		return true

	case KindPMessage:
		if len(frame.Items) < 4 {
			r.log.Warn("Dropping truncated pmessage frame",
				zap.Int("elements", len(frame.Items)))
			return true
		}

		r.emit(&Message{
			Kind:    KindPMessage,
			Pattern: r.strip(frame.Items[1].Text()),
			Channel: r.strip(frame.Items[2].Text()),
			Payload: frame.Items[3].Bulk,
		})

		return true

	case KindSubscribe, KindPSubscribe, KindUnsubscribe, KindPUnsubscribe:
		if len(frame.Items) < 3 {
			r.log.Warn("Dropping truncated control frame",
				zap.String("kind", string(kind)),
				zap.Int("elements", len(frame.Items)))
			return true
		}

		name := frame.Items[1].Text()
		count := frameCount(frame.Items[2])

		if kind == KindUnsubscribe || kind == KindPUnsubscribe {
			r.resolve(kind, name, count)
		}

		r.emit(&Message{
			Kind:    kind,
			Channel: r.strip(name),
			Count:   count,
		})

		return true

	default:
		return false
	}
}

// resolve matches an unsubscribe acknowledgement to the outstanding
// request by its prefixed name, not by arrival order, since the server
// may interleave acknowledgements with other pushes. A count of zero
// also resolves the corresponding resolve-all slot: the bare
// unsubscribe form still produces one frame per formerly-subscribed
// name, and the last one carries count 0.
func (r *Router) resolve(kind Kind, name string, count int64) {
	r.registry.ResolveAck(name)

	if count != 0 {
		return
	}

	if kind == KindUnsubscribe {
		r.registry.ResolveAllChannels()
	} else {
		r.registry.ResolveAllPatterns()
	}
}

func (r *Router) strip(name string) string {
	if r.prefix == "" {
		return name
	}

	// A plain prefix check. When the prefix is also a leading substring
	// of an unrelated un-prefixed name the strip is ambiguous; see the
	// package docs.
	return strings.TrimPrefix(name, r.prefix)
}

// frameCount reads the count element of a control frame, which some
// servers send as an integer frame and some as a bulk string. Parse
// failures default to 0.
func frameCount(f protocol.Frame) int64 {
	switch f.Type {
	case protocol.FrameInteger:
		return f.Int

	case protocol.FrameBulkString:
		count, err := strconv.ParseInt(f.Text(), 10, 64)
		if err != nil {
			return 0
		}

		return count

	default:
		return 0
	}
}

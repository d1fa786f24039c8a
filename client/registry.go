package client

import "sync"

// Registry tracks the active exact-channel and pattern subscriptions of
// one connection, plus the in-flight unsubscribe acknowledgements keyed
// by name. Every Registry belongs to exactly one Conn; nothing here is
// process-wide.
//
// Membership always uses the prefixed, wire-level names. The key prefix
// is stripped only at the router boundary, so acknowledgement
// correlation stays exact even when the prefix itself contains ambiguous
// characters.
type Registry struct {
	mu sync.Mutex

	channels map[string]struct{}
	patterns map[string]struct{}

	// acks holds one resolver per name. Registering a second waiter for a
	// name that is already pending returns the existing resolver, so both
	// waiters are honoured by the one acknowledgement.
	acks map[string]chan struct{}

	// Resolve-all slots for the bare, no-argument unsubscribe forms
	allChannels chan struct{}
	allPatterns chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		acks:     make(map[string]chan struct{}),
	}
}

func (r *Registry) AddChannel(name string) {
	r.mu.Lock()
	r.channels[name] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) RemoveChannel(name string) {
	r.mu.Lock()
	delete(r.channels, name)
	r.mu.Unlock()
}

func (r *Registry) AddPattern(name string) {
	r.mu.Lock()
	r.patterns[name] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) RemovePattern(name string) {
	r.mu.Lock()
	delete(r.patterns, name)
	r.mu.Unlock()
}

// ClearChannels empties the exact-channel set and returns the names it
// held, in no particular order.
func (r *Registry) ClearChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}

	r.channels = make(map[string]struct{})

	return names
}

// ClearPatterns empties the pattern set and returns the names it held.
func (r *Registry) ClearPatterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}

	r.patterns = make(map[string]struct{})

	return names
}

// Channels returns a snapshot of the exact-channel set.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}

	return names
}

// Patterns returns a snapshot of the pattern set.
func (r *Registry) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}

	return names
}

// Empty reports whether both the channel set and the pattern set hold
// nothing.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.channels) == 0 && len(r.patterns) == 0
}

// AwaitAck registers interest in the acknowledgement for name. The
// returned channel is closed when the acknowledgement arrives or when
// the connection goes away. If an acknowledgement is already pending for
// name the existing resolver is returned, never silently replaced.
func (r *Registry) AwaitAck(name string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.acks[name]; ok {
		return existing
	}

	ack := make(chan struct{})
	r.acks[name] = ack

	return ack
}

// AwaitAllChannels registers the resolve-all slot for a bare UNSUBSCRIBE.
func (r *Registry) AwaitAllChannels() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allChannels == nil {
		r.allChannels = make(chan struct{})
	}

	return r.allChannels
}

// AwaitAllPatterns registers the resolve-all slot for a bare PUNSUBSCRIBE.
func (r *Registry) AwaitAllPatterns() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allPatterns == nil {
		r.allPatterns = make(chan struct{})
	}

	return r.allPatterns
}

// ResolveAck resolves and removes the pending acknowledgement for name,
// if one exists.
func (r *Registry) ResolveAck(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ack, ok := r.acks[name]; ok {
		close(ack)
		delete(r.acks, name)
	}
}

// ResolveAllChannels resolves the bare-UNSUBSCRIBE slot, if pending.
func (r *Registry) ResolveAllChannels() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allChannels != nil {
		close(r.allChannels)
		r.allChannels = nil
	}
}

// ResolveAllPatterns resolves the bare-PUNSUBSCRIBE slot, if pending.
func (r *Registry) ResolveAllPatterns() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allPatterns != nil {
		close(r.allPatterns)
		r.allPatterns = nil
	}
}

// ResolveEverything resolves every pending acknowledgement. The transport
// calls this when the connection closes so no waiter is ever left
// hanging on an acknowledgement that can no longer arrive.
func (r *Registry) ResolveEverything() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, ack := range r.acks {
		close(ack)
		delete(r.acks, name)
	}

	if r.allChannels != nil {
		close(r.allChannels)
		r.allChannels = nil
	}

	if r.allPatterns != nil {
		close(r.allPatterns)
		r.allPatterns = nil
	}
}

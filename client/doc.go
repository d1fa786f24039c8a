package client

// This package is the pub/sub half of Relay: a Conn speaks the wire
// subset in the protocol package over a transport.TCP connection and
// delivers classified Messages over a channel.
//
// === Key prefixes
//
// When Options.KeyPrefix is set, every channel and pattern name is
// prefixed on the wire and stripped again before delivery. The registry
// and acknowledgement correlation always use the prefixed names, so
// correlation stays exact regardless of what the prefix contains.
//
// Stripping is a plain leading-substring check. If the server ever
// delivers a message on a channel that happens to start with the prefix
// without having been prefixed by us, the strip is ambiguous and the
// name comes out shortened. Known limitation; do not rely on prefixes
// that collide with real channel names.

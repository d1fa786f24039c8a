package transport

import (
	"time"

	"go.uber.org/zap"
)

const DefaultConnectTimeout = 10 * time.Second

type Options struct {
	// Host of the server to connect to
	Host string

	// Port of the server to connect to
	Port int

	// ConnectTimeout bounds how long Connect will wait for the TCP
	// connection to be established. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Username is optional. When set alongside Password the credential
	// handshake carries both.
	Username string

	// Password enables the credential handshake when non-empty
	Password string

	// Name is sent via CLIENT SETNAME during the handshake. When empty a
	// random name is generated so connections are always identifiable
	// server-side.
	Name string

	// DB selects a namespace index via SELECT during the handshake when
	// greater than zero. Zero is the server default and is not selected
	// explicitly.
	DB int

	Log *zap.Logger
}

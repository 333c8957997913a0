// Package transport is the connection abstraction replication runs on: one
// ordered byte stream per logical channel, plus the client's inbound
// messages.
package transport

import (
	"context"
	"errors"

	"voxelrelay.ai/internal/protocol"
)

var ErrConnClosed = errors.New("connection closed")

// Stream is the outbound half of one logical channel.
type Stream interface {
	Send(ctx context.Context, b []byte) error
	Close() error
}

type Conn interface {
	ID() string
	Open(ctx context.Context, kind protocol.ChannelKind) (Stream, error)
	// Inbound carries raw client messages and is closed when the connection
	// ends.
	Inbound() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// AcceptFunc is called once per connection after its HELLO was validated.
// A returned error is reported to the client and the connection is closed.
type AcceptFunc func(hello protocol.HelloMsg, c Conn) error

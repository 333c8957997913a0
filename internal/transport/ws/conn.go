package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/transport"
)

const writeWait = 5 * time.Second

// conn multiplexes every logical channel over one websocket. Each outbound
// frame is a binary message prefixed with the channel token.
type conn struct {
	id  string
	ws  *websocket.Conn
	out chan []byte
	in  chan []byte

	// wmu serializes socket writes between writeLoop and fail.
	wmu sync.Mutex

	once sync.Once
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn, queue int) *conn {
	if queue <= 0 {
		queue = 256
	}
	return &conn{
		id:   id,
		ws:   ws,
		out:  make(chan []byte, queue),
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string             { return c.id }
func (c *conn) Inbound() <-chan []byte { return c.in }
func (c *conn) Done() <-chan struct{}  { return c.done }

func (c *conn) Open(_ context.Context, kind protocol.ChannelKind) (transport.Stream, error) {
	if !kind.Valid() {
		return nil, protocol.ErrUnknownChannelKind
	}
	select {
	case <-c.done:
		return nil, transport.ErrConnClosed
	default:
	}
	return &stream{c: c, kind: kind}, nil
}

// writeLoop is the only goroutine writing to the socket.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			// select picks at random when both are ready.
			select {
			case <-c.done:
				return
			default:
			}
			if err := c.write(b, writeWait); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *conn) enqueue(ctx context.Context, b []byte) error {
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return transport.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail sends an ERROR frame on the bootstrap channel, best effort, and
// closes the connection.
func (c *conn) fail(code, msg string) {
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: msg})
	_ = c.write(protocol.AppendFrame(nil, protocol.ChannelBootstrap, b), time.Second)
	_ = c.Close()
}

func (c *conn) write(b []byte, wait time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

type stream struct {
	c    *conn
	kind protocol.ChannelKind
}

func (s *stream) Send(ctx context.Context, b []byte) error {
	return s.c.enqueue(ctx, protocol.AppendFrame(make([]byte, 0, protocol.TokenLen+len(b)), s.kind, b))
}

// Close is a no-op; the socket is shared by every channel.
func (s *stream) Close() error { return nil }

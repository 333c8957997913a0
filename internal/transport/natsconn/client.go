package natsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"voxelrelay.ai/internal/protocol"
)

// Frame is one message received by a Client.
type Frame struct {
	Kind    protocol.ChannelKind
	Payload []byte
}

// Client is the viewer side of a NATS session.
type Client struct {
	nc      *nats.Conn
	prefix  string
	session string
	sub     *nats.Subscription
	frames  chan Frame

	once sync.Once
	stop chan struct{}
	wg   sync.WaitGroup
}

// Join subscribes to the session's channels and then requests the session,
// so nothing published right after the join is missed.
func Join(ctx context.Context, nc *nats.Conn, prefix string, hello protocol.HelloMsg) (*Client, error) {
	if prefix == "" {
		prefix = "voxelrelay"
	}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	c := &Client{nc: nc, prefix: prefix, session: uuid.NewString(), frames: make(chan Frame, 1024), stop: make(chan struct{})}

	sub, err := nc.Subscribe(prefix+"."+c.session+".*", c.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.sub = sub

	body, err := json.Marshal(JoinRequest{Session: c.session, Hello: hello})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	resp, err := nc.RequestWithContext(ctx, JoinSubject(prefix), body)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("join: %w", err)
	}
	var r JoinReply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("join reply: %w", err)
	}
	if r.Error != "" {
		_ = sub.Unsubscribe()
		return nil, errors.New(r.Error)
	}
	if r.PingMs > 0 {
		c.wg.Add(1)
		go c.keepalive(time.Duration(r.PingMs) * time.Millisecond)
	}
	return c, nil
}

func (c *Client) keepalive(every time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			_ = c.SendJSON(protocol.BaseMessage{Type: protocol.TypePing})
		}
	}
}

func (c *Client) handle(m *nats.Msg) {
	token := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	k, err := protocol.ParseChannel(token)
	if err != nil {
		return // our own inbound subject
	}
	select {
	case c.frames <- Frame{Kind: k, Payload: m.Data}:
	default:
	}
}

func (c *Client) Session() string { return c.session }

// Frames delivers received frames in arrival order.
func (c *Client) Frames() <-chan Frame { return c.frames }

func (c *Client) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(InboundSubject(c.prefix, c.session), b)
}

// Close tells the server the session is over and stops receiving. The
// underlying nats.Conn stays open.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
		_ = c.SendJSON(protocol.BaseMessage{Type: protocol.TypeLeave})
		_ = c.nc.FlushTimeout(time.Second)
		err = c.sub.Unsubscribe()
	})
	return err
}

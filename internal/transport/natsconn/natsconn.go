// Package natsconn runs replication over NATS. A client picks a session id,
// subscribes to "<prefix>.<session>.*" and then joins with a request on
// "<prefix>.join". Every logical channel is published on
// "<prefix>.<session>.<token>"; client messages arrive on
// "<prefix>.<session>.in".
//
// NATS has no per-client connection to watch, so a session ends when the
// client publishes LEAVE or when nothing arrives on its inbound subject for
// IdleTimeout. Clients keep idle sessions alive with PING at the interval
// given in the join reply.
package natsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/transport"
)

// JoinRequest is the body of a join request.
type JoinRequest struct {
	Session string            `json:"session"`
	Hello   protocol.HelloMsg `json:"hello"`
}

// JoinReply answers a join request.
type JoinReply struct {
	Session string `json:"session,omitempty"`
	PingMs  int    `json:"ping_ms,omitempty"`
	Error   string `json:"error,omitempty"`
}

func JoinSubject(prefix string) string { return prefix + ".join" }

func ChannelSubject(prefix, session string, k protocol.ChannelKind) string {
	return prefix + "." + session + "." + k.Token()
}

func InboundSubject(prefix, session string) string { return prefix + "." + session + ".in" }

const DefaultIdleTimeout = 60 * time.Second

type Server struct {
	// IdleTimeout must be set before Start.
	IdleTimeout time.Duration

	nc     *nats.Conn
	prefix string
	accept transport.AcceptFunc
	log    *log.Logger

	mu    sync.Mutex
	sub   *nats.Subscription
	conns map[string]*conn
}

func NewServer(nc *nats.Conn, prefix string, accept transport.AcceptFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if prefix == "" {
		prefix = "voxelrelay"
	}
	return &Server{
		IdleTimeout: DefaultIdleTimeout,
		nc:          nc,
		prefix:      prefix,
		accept:      accept,
		log:         logger,
		conns:       map[string]*conn{},
	}
}

// Start subscribes to join requests.
func (s *Server) Start() error {
	sub, err := s.nc.Subscribe(JoinSubject(s.prefix), s.handleJoin)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", JoinSubject(s.prefix), err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes and closes every connection.
func (s *Server) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	conns := s.conns
	s.conns = map[string]*conn{}
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) handleJoin(m *nats.Msg) {
	reply := func(r JoinReply) {
		b, _ := json.Marshal(r)
		_ = m.Respond(b)
	}
	var req JoinRequest
	if err := json.Unmarshal(m.Data, &req); err != nil || req.Hello.Type != protocol.TypeHello {
		reply(JoinReply{Error: protocol.ErrProtoBadRequest})
		return
	}
	hello := req.Hello
	if hello.ProtocolVersion != protocol.Version {
		reply(JoinReply{Error: protocol.ErrProtoBadRequest})
		return
	}
	id, err := uuid.Parse(req.Session)
	if err != nil {
		reply(JoinReply{Error: protocol.ErrProtoBadRequest})
		return
	}

	c := &conn{
		s:    s,
		id:   id.String(),
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	_, taken := s.conns[c.id]
	s.mu.Unlock()
	if taken {
		reply(JoinReply{Error: protocol.ErrProtoBadRequest})
		return
	}
	sub, err := s.nc.Subscribe(InboundSubject(s.prefix, c.id), c.handleInbound)
	if err != nil {
		s.log.Printf("nats inbound subscribe failed err=%v", err)
		reply(JoinReply{Error: protocol.ErrInternal})
		return
	}
	c.sub = sub
	c.touch()
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	go c.reap(idle)

	reply(JoinReply{Session: c.id, PingMs: int((idle / 3).Milliseconds())})
	if err := s.accept(hello, c); err != nil {
		s.log.Printf("nats accept rejected session=%s err=%v", c.id, err)
		b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrInternal, Message: err.Error()})
		_ = s.nc.Publish(ChannelSubject(s.prefix, c.id, protocol.ChannelBootstrap), b)
		_ = c.Close()
	}
}

type conn struct {
	s   *Server
	id  string
	sub *nats.Subscription

	lastSeen atomic.Int64 // unix nanos of the last inbound message

	mu     sync.Mutex
	closed bool
	in     chan []byte
	done   chan struct{}
}

func (c *conn) ID() string             { return c.id }
func (c *conn) Inbound() <-chan []byte { return c.in }
func (c *conn) Done() <-chan struct{}  { return c.done }

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *conn) handleInbound(m *nats.Msg) {
	c.touch()
	var base protocol.BaseMessage
	if err := json.Unmarshal(m.Data, &base); err == nil {
		switch base.Type {
		case protocol.TypePing:
			return
		case protocol.TypeLeave:
			c.s.log.Printf("nats session left session=%s", c.id)
			_ = c.Close()
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.in <- m.Data:
	default:
		c.s.log.Printf("nats inbound dropped session=%s", c.id)
	}
}

// reap closes the connection once the client has been silent for idle.
func (c *conn) reap(idle time.Duration) {
	t := time.NewTicker(max(idle/4, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, c.lastSeen.Load())) > idle {
				c.s.log.Printf("nats session idle, closing session=%s idle=%s", c.id, idle)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *conn) Open(_ context.Context, kind protocol.ChannelKind) (transport.Stream, error) {
	if !kind.Valid() {
		return nil, protocol.ErrUnknownChannelKind
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrConnClosed
	}
	return &stream{c: c, subject: ChannelSubject(c.s.prefix, c.id, kind)}, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.in)
	c.mu.Unlock()

	c.s.mu.Lock()
	delete(c.s.conns, c.id)
	c.s.mu.Unlock()
	if c.sub != nil {
		return c.sub.Unsubscribe()
	}
	return nil
}

type stream struct {
	c       *conn
	subject string
}

func (s *stream) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.c.done:
		return transport.ErrConnClosed
	default:
	}
	return s.c.s.nc.Publish(s.subject, b)
}

func (s *stream) Close() error { return nil }

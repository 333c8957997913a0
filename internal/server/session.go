package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"voxelrelay.ai/internal/lifecycle"
	persistlog "voxelrelay.ai/internal/persistence/log"
	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/replication/queue"
	"voxelrelay.ai/internal/replication/relevancy"
	"voxelrelay.ai/internal/replication/stream"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
	"voxelrelay.ai/internal/transport"
)

const bootstrapTimeout = 5 * time.Second

// session is one connected viewer: its entity, its relevancy viewer and the
// stream handles writing its three channels.
type session struct {
	id      string
	conn    transport.Conn
	hello   protocol.HelloMsg
	radius  int
	machine *lifecycle.Machine

	entity   entity.ID
	entities *stream.Handle[protocol.Update]
	chunks   *stream.Handle[protocol.ChunkMsg]
	boot     *stream.Handle[[]byte]

	// keepConn leaves the connection to the transport, which reports the
	// rejection itself.
	keepConn  bool
	closeOnce sync.Once
}

// Accept implements transport.AcceptFunc. It bootstraps the session
// synchronously and returns once the viewer is registered.
func (s *Server) Accept(hello protocol.HelloMsg, c transport.Conn) error {
	ss := &session{id: c.ID(), conn: c, hello: hello, radius: s.cfg.Relevancy.Radius}
	if hello.Radius != nil {
		ss.radius = s.clampRadius(*hello.Radius)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := s.sessions[ss.id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, ss.id)
	}
	s.sessions[ss.id] = ss
	s.wg.Add(1)
	s.mu.Unlock()

	ss.machine = s.sessionTable(ss).New(lifecycle.Connecting)
	s.record(ss, "")

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()
	for _, next := range []lifecycle.State{lifecycle.Bootstrapping, lifecycle.Replicating} {
		if err := ss.machine.To(ctx, next); err != nil {
			ss.keepConn = true
			s.closeSession(ss, err.Error())
			s.wg.Done()
			return err
		}
		s.record(ss, "")
	}
	s.log.Printf("session open session=%s entity=%d name=%q radius=%d", ss.id, ss.entity, hello.Name, ss.radius)

	go s.serve(ss)
	return nil
}

func (s *Server) sessionTable(ss *session) *lifecycle.Table {
	return lifecycle.SessionTable().
		OnEnter(lifecycle.Bootstrapping, "spawn_entity", func(context.Context) error {
			return s.spawn(ss)
		}).
		OnEnter(lifecycle.Bootstrapping, "open_streams", func(ctx context.Context) error {
			return s.openStreams(ctx, ss)
		}).
		OnEnter(lifecycle.Bootstrapping, "send_bootstrap", func(context.Context) error {
			return s.sendBootstrap(ss)
		}).
		OnEnter(lifecycle.Replicating, "register_viewer", func(context.Context) error {
			_, err := s.engine.AddViewer(ss.id, ss.entity, ss.radius, relevancy.Outputs{
				Entities: ss.entities.Channel(),
				Chunks:   ss.chunks.Channel(),
			})
			return err
		}).
		OnEnter(lifecycle.Closed, "teardown", func(context.Context) error {
			s.teardown(ss)
			return nil
		})
}

func (s *Server) spawn(ss *session) error {
	pos := s.cfg.World.Spawn
	if ss.hello.Spawn != nil {
		pos = *ss.hello.Spawn
	}
	for _, v := range pos {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("spawn position %v not finite", pos)
		}
	}
	name := ss.hello.Name
	if name == "" {
		name = "viewer"
	}
	ss.entity = s.store.Spawn(entity.Spec{
		Position:     entity.Vec3{X: pos[0], Y: pos[1], Z: pos[2]},
		Replicated:   true,
		TicketRadius: ss.radius,
		Components:   map[string]any{"name": name, "session": ss.id},
	})
	return nil
}

func (s *Server) openStreams(ctx context.Context, ss *session) error {
	opts := stream.Options{Logger: s.log, Metrics: s.metrics}
	for _, kind := range protocol.Channels {
		out, err := ss.conn.Open(ctx, kind)
		if err != nil {
			return fmt.Errorf("open %s: %w", kind, err)
		}
		switch kind {
		case protocol.ChannelEntity:
			ss.entities = stream.Start(kind, queue.New[protocol.Update](s.cfg.Queue.MaxEntityEvents), out, protocol.EncodeUpdate, opts)
		case protocol.ChannelChunk:
			ss.chunks = stream.Start(kind, queue.New[protocol.ChunkMsg](s.cfg.Queue.MaxChunkMsgs), out, protocol.EncodeChunkMsg, opts)
		case protocol.ChannelBootstrap:
			ss.boot = stream.Start(kind, queue.New[[]byte](0), out, rawBytes, opts)
		}
	}
	return nil
}

func rawBytes(b []byte) ([]byte, error) { return b, nil }

func (s *Server) sendBootstrap(ss *session) error {
	b, err := json.Marshal(protocol.BootstrapMsg{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: protocol.Version,
		SessionID:       ss.id,
		EntityID:        uint64(ss.entity),
		Tick:            s.tick.Load(),
		TickRateHz:      s.cfg.TickRateHz,
		ChunkSize:       chunk.Size,
		Radius:          ss.radius,
		MaxChunks:       s.engine.Config().MaxChunks,
	})
	if err != nil {
		return err
	}
	return ss.boot.Channel().Push(b)
}

// teardown undoes whatever bootstrapping got done. It runs once, on entry to
// CLOSED.
func (s *Server) teardown(ss *session) {
	s.engine.RemoveViewer(ss.id)
	if ss.entity != 0 {
		s.registry.Drop(ss.entity)
		if err := s.store.Destroy(ss.entity); err != nil {
			s.log.Printf("session destroy entity failed session=%s entity=%d err=%v", ss.id, ss.entity, err)
		}
	}
	if ss.entities != nil {
		ss.entities.Close()
	}
	if ss.chunks != nil {
		ss.chunks.Close()
	}
	if ss.boot != nil {
		ss.boot.Close()
	}
	if !ss.keepConn {
		_ = ss.conn.Close()
	}
}

func (s *Server) closeSession(ss *session, reason string) {
	ss.closeOnce.Do(func() {
		if err := ss.machine.To(context.Background(), lifecycle.Closed); err != nil {
			s.log.Printf("session close failed session=%s err=%v", ss.id, err)
		}
		s.mu.Lock()
		delete(s.sessions, ss.id)
		s.mu.Unlock()
		s.log.Printf("session closed session=%s entity=%d reason=%s", ss.id, ss.entity, reason)
		s.record(ss, reason)
	})
}

func (s *Server) serve(ss *session) {
	defer s.wg.Done()
	reason := s.watch(ss)
	s.closeSession(ss, reason)
}

// watch handles inbound messages until the session has to end and returns
// the reason.
func (s *Server) watch(ss *session) string {
	for {
		select {
		case <-s.stop:
			return ErrShuttingDown.Error()
		case <-ss.conn.Done():
			return "connection closed"
		case err := <-ss.entities.Faults():
			return err.Error()
		case err := <-ss.chunks.Faults():
			return err.Error()
		case err := <-ss.boot.Faults():
			return err.Error()
		case msg, ok := <-ss.conn.Inbound():
			if !ok {
				return "connection closed"
			}
			s.handleInbound(ss, msg)
		}
	}
}

func (s *Server) handleInbound(ss *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.reject(ss, protocol.ErrProtoBadRequest, "bad json")
		return
	}
	switch base.Type {
	case protocol.TypeMove:
		var m protocol.MoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject(ss, protocol.ErrProtoBadRequest, "bad MOVE")
			return
		}
		for _, v := range m.Position {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				s.reject(ss, protocol.ErrProtoBadRequest, "position not finite")
				return
			}
		}
		if err := s.store.Move(ss.entity, entity.Vec3{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]}); err != nil {
			s.log.Printf("session move failed session=%s err=%v", ss.id, err)
		}
	case protocol.TypeRadius:
		var m protocol.RadiusMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject(ss, protocol.ErrProtoBadRequest, "bad RADIUS")
			return
		}
		if err := s.SetRadius(ss.id, m.Radius); err != nil {
			s.log.Printf("session radius failed session=%s err=%v", ss.id, err)
		}
	case protocol.TypeSetBlock:
		var m protocol.SetBlockMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject(ss, protocol.ErrProtoBadRequest, "bad SET_BLOCK")
			return
		}
		if err := s.SetBlock(ss.id, m.Position, m.Block); err != nil {
			if errors.Is(err, ErrChunkNotHeld) {
				s.reject(ss, protocol.ErrChunkNotHeld, err.Error())
				return
			}
			s.log.Printf("session set block failed session=%s err=%v", ss.id, err)
		}
	default:
		s.reject(ss, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

// reject reports a bad client message on the bootstrap channel. The session
// stays open.
func (s *Server) reject(ss *session, code, msg string) {
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: msg})
	if err := ss.boot.Channel().Push(b); err != nil {
		s.log.Printf("session reject dropped session=%s err=%v", ss.id, err)
	}
}

func (s *Server) record(ss *session, reason string) {
	if s.sessionLog == nil {
		return
	}
	err := s.sessionLog.WriteSession(persistlog.SessionRecord{
		Tick:    s.tick.Load(),
		Session: ss.id,
		Entity:  uint64(ss.entity),
		State:   ss.machine.State().String(),
		Reason:  reason,
	})
	if err != nil {
		s.log.Printf("session log write failed session=%s err=%v", ss.id, err)
	}
}

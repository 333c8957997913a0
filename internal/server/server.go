// Package server runs the relay: a fixed-rate tick that reconciles chunk
// tickets with entity positions and drives the relevancy engine, plus one
// session per connected viewer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voxelrelay.ai/internal/config"
	"voxelrelay.ai/internal/metrics"
	persistlog "voxelrelay.ai/internal/persistence/log"
	"voxelrelay.ai/internal/replication/relevancy"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
	"voxelrelay.ai/internal/sim/loader"
	"voxelrelay.ai/internal/sim/ticket"
)

var (
	ErrShuttingDown     = errors.New("server shutting down")
	ErrUnknownSession   = errors.New("unknown session")
	ErrDuplicateSession = errors.New("session already exists")
	ErrChunkNotHeld     = errors.New("chunk not held by session ticket")
)

type Deps struct {
	Loader  *loader.Loader
	Store   *entity.Store // optional
	Logger  *log.Logger
	Metrics *metrics.Metrics

	TickLog    *persistlog.TickLogger    // optional
	SessionLog *persistlog.SessionLogger // optional
}

type Server struct {
	cfg     config.Config
	log     *log.Logger
	metrics *metrics.Metrics

	store    *entity.Store
	loader   *loader.Loader
	registry *ticket.Registry
	updater  *ticket.Updater
	engine   *relevancy.Engine

	tickLog    *persistlog.TickLogger
	sessionLog *persistlog.SessionLogger

	tick atomic.Uint64

	// stepMu serializes Step between Run and callers stepping by hand.
	stepMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Loader == nil {
		return nil, errors.New("server: loader is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	store := deps.Store
	if store == nil {
		store = entity.NewStore()
	}
	engine, err := relevancy.NewEngine(cfg.RelevancyConfig(), logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("relevancy: %w", err)
	}
	reg := ticket.NewRegistry(deps.Loader, logger, deps.Metrics)
	return &Server{
		cfg:        cfg,
		log:        logger,
		metrics:    deps.Metrics,
		store:      store,
		loader:     deps.Loader,
		registry:   reg,
		updater:    ticket.NewUpdater(reg),
		engine:     engine,
		tickLog:    deps.TickLog,
		sessionLog: deps.SessionLog,
		sessions:   map[string]*session{},
		stop:       make(chan struct{}),
	}, nil
}

func (s *Server) Store() *entity.Store       { return s.store }
func (s *Server) Registry() *ticket.Registry { return s.registry }
func (s *Server) Engine() *relevancy.Engine  { return s.engine }
func (s *Server) Config() config.Config      { return s.cfg }
func (s *Server) CurrentTick() uint64        { return s.tick.Load() }

// Run steps at the configured tick rate until ctx is done or Close is called.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step runs one tick. Ticket planning and relevancy run under the entity
// store's write lock; loads are dispatched after it is released.
func (s *Server) Step() persistlog.TickRecord {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	start := time.Now()
	tick := s.tick.Add(1)

	var changes []ticket.Change
	var st relevancy.Stats
	s.store.Tick(func(tx *entity.Tx) {
		changes = s.updater.Plan(tx)
		st = s.engine.Step(tx, s.loader.Cache())
	})
	created := s.updater.Apply(changes)
	swept := s.loader.Cache().Sweep()

	d := time.Since(start)
	s.metrics.ObserveTick(d)

	rec := persistlog.TickRecord{
		Tick:          tick,
		DurationMicro: d.Microseconds(),
		Viewers:       st.Viewers,
		Events:        st.Events,
		ChunkMsgs:     st.ChunkMsgs,
		Failures:      st.Failures,
		Faulted:       st.Faulted,
		Tickets:       s.registry.Len(),
		TicketChurn:   created,
		Resident:      s.loader.Arena().Live(),
		Swept:         swept,
	}
	if s.tickLog != nil {
		if err := s.tickLog.WriteTick(rec); err != nil {
			s.log.Printf("tick log write failed tick=%d err=%v", tick, err)
		}
	}
	return rec
}

// SetRadius changes a session's relevancy radius and the radius of the chunk
// ticket its entity holds. Both take effect on the next tick.
func (s *Server) SetRadius(sessionID string, radius int) error {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	radius = s.clampRadius(radius)
	if !s.engine.SetRadius(ss.id, radius) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := s.store.SetTicketRadius(ss.entity, radius); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	return nil
}

// SetBlock edits the block at a world position. The chunk must be held by the
// ticket of the session's entity, so an edit never loads a chunk and always
// lands on a resident copy that is written back when it is evicted.
func (s *Server) SetBlock(sessionID string, pos [3]int64, block uint16) error {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok || ss.entity == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	c, off := chunk.FromBlock(pos[0], pos[1], pos[2])
	t, ok := s.registry.Get(ss.entity)
	if !ok || !t.Edit(c, func(ch *chunk.Chunk) { ch.Set(off[0], off[1], off[2], block) }) {
		return fmt.Errorf("%w: %s", ErrChunkNotHeld, c)
	}
	return nil
}

func (s *Server) clampRadius(r int) int {
	if r < 0 {
		return 0
	}
	if r > s.cfg.Relevancy.MaxRadius {
		return s.cfg.Relevancy.MaxRadius
	}
	return r
}

// Sessions returns the ids of the live sessions, sorted.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops Run, closes every session and releases every ticket. It does
// not close the loader.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.registry.Close()
}

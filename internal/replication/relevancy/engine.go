// Package relevancy decides, per viewer and per tick, which chunks and
// entities the viewer should know about and emits the diff.
package relevancy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"voxelrelay.ai/internal/metrics"
	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/replication/queue"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
)

var ErrDuplicateViewer = errors.New("viewer already registered")

type Config struct {
	Radius               int
	MaxChunks            int
	MaxFullChunksPerTick int
	PayloadCacheSize     int
}

func (c *Config) applyDefaults() {
	if c.Radius < 0 {
		c.Radius = 0
	}
	if c.MaxChunks <= 0 {
		side := 2*c.Radius + 1
		c.MaxChunks = side * side * side
	}
	if c.MaxFullChunksPerTick <= 0 {
		c.MaxFullChunksPerTick = 32
	}
	if c.PayloadCacheSize <= 0 {
		c.PayloadCacheSize = 4096
	}
}

// Outputs are the replication channels the engine produces into. Either may
// be nil to skip that stream.
type Outputs struct {
	Entities *queue.Channel[protocol.Update]
	Chunks   *queue.Channel[protocol.ChunkMsg]
}

// Viewer is one owner of a relevance set, usually a connection's entity.
type Viewer struct {
	id     string
	owner  entity.ID
	radius int
	out    Outputs

	set    Set
	chunks map[chunk.Coord]*chunkState
}

func (v *Viewer) ID() string       { return v.id }
func (v *Viewer) Owner() entity.ID { return v.owner }

type Stats struct {
	Viewers   int
	Events    int
	ChunkMsgs int
	Failures  int
	Faulted   int
}

type Engine struct {
	cfg      Config
	log      *log.Logger
	metrics  *metrics.Metrics
	payloads *lru.Cache[payloadKey, []byte]

	mu      sync.Mutex
	viewers map[string]*Viewer
}

func NewEngine(cfg Config, logger *log.Logger, m *metrics.Metrics) (*Engine, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	payloads, err := lru.New[payloadKey, []byte](cfg.PayloadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("payload cache: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		payloads: payloads,
		viewers:  map[string]*Viewer{},
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// AddViewer registers a viewer. radius < 0 uses the configured radius. The
// first Step after registration emits Relevant for everything in range.
func (e *Engine) AddViewer(id string, owner entity.ID, radius int, out Outputs) (*Viewer, error) {
	if radius < 0 {
		radius = e.cfg.Radius
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.viewers[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateViewer, id)
	}
	v := &Viewer{
		id:     id,
		owner:  owner,
		radius: radius,
		out:    out,
		set:    newSet(nil),
		chunks: map[chunk.Coord]*chunkState{},
	}
	e.viewers[id] = v
	e.metrics.SetViewers(len(e.viewers))
	return v, nil
}

func (e *Engine) RemoveViewer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.viewers[id]; !ok {
		return false
	}
	delete(e.viewers, id)
	e.metrics.SetViewers(len(e.viewers))
	return true
}

// SetRadius changes a viewer's radius; the next Step re-diffs against it.
func (e *Engine) SetRadius(id string, radius int) bool {
	if radius < 0 {
		radius = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.viewers[id]
	if !ok {
		return false
	}
	v.radius = radius
	return true
}

// Set returns the viewer's current relevance set.
func (e *Engine) Set(id string) (Set, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.viewers[id]
	if !ok {
		return Set{}, false
	}
	return v.set, true
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}

// Step runs one relevancy pass over every viewer. It only enqueues; it never
// waits on a connection. chunks may be nil to disable chunk streaming.
func (e *Engine) Step(w World, chunks Chunks) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.viewers))
	for id := range e.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var st Stats
	st.Viewers = len(ids)
	for _, id := range ids {
		e.stepViewer(e.viewers[id], w, chunks, &st)
	}
	return st
}

func (e *Engine) stepViewer(v *Viewer, w World, chunks Chunks, st *Stats) {
	var wanted []chunk.Coord
	if pos, ok := w.Position(v.owner); ok {
		wanted = WantedChunks(pos.Chunk, v.radius, e.cfg.MaxChunks)
	}

	res := Diff(v.set, wanted, w)
	for _, f := range res.Failures {
		e.metrics.IncSerializationFailure()
		e.log.Printf("relevancy event dropped viewer=%s entity=%d kind=%s err=%v", v.id, f.ID, f.Kind, f.Err)
	}
	st.Failures += len(res.Failures)

	msgs := e.stepChunks(v, res.Next, chunks)
	v.set = res.Next

	faulted := false
	if v.out.Entities != nil && len(res.Events) > 0 {
		if err := v.out.Entities.PushAll(res.Events); err != nil {
			faulted = true
			e.log.Printf("relevancy enqueue failed viewer=%s channel=%s err=%v", v.id, protocol.ChannelEntity, err)
		}
	}
	if v.out.Chunks != nil && len(msgs) > 0 {
		if err := v.out.Chunks.PushAll(msgs); err != nil {
			faulted = true
			e.log.Printf("relevancy enqueue failed viewer=%s channel=%s err=%v", v.id, protocol.ChannelChunk, err)
		}
	}
	if faulted {
		st.Faulted++
	}

	for _, u := range res.Events {
		e.metrics.AddUpdates(u.Kind().String(), 1)
	}
	for _, m := range msgs {
		e.metrics.IncChunkMessage(m.Kind.String())
	}
	st.Events += len(res.Events)
	st.ChunkMsgs += len(msgs)
}

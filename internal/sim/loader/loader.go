// Package loader turns chunk requests into resident chunks.
//
// Each coord moves through Requested -> Loading -> {Loaded | Failed}. Requests
// for a coord that is already loading join the in-flight load, so there is at
// most one load goroutine per coord.
//
// Dirty chunks are written back when their last strong reference goes. Until
// that write lands the evicted chunk stays in the pending set, and a reload of
// the same coord is served from it instead of from storage.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"voxelrelay.ai/internal/metrics"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/chunkcache"
)

var (
	// ErrNotFound is returned by Storage.Load when no payload exists.
	ErrNotFound = errors.New("chunk not stored")
	// ErrChunkUnavailable is reported to requesters once retries are exhausted.
	ErrChunkUnavailable = errors.New("chunk unavailable")
	ErrClosed           = errors.New("loader closed")
)

// Storage persists opaque chunk payloads.
type Storage interface {
	Load(ctx context.Context, c chunk.Coord) ([]byte, error)
	Save(ctx context.Context, c chunk.Coord, payload []byte) error
}

// Generator produces chunks that were never stored.
type Generator interface {
	Generate(ctx context.Context, c chunk.Coord) (*chunk.Chunk, error)
}

// Sink receives the outcome of a request. Deliver transfers ownership of ref.
// Both methods are called without loader locks held.
type Sink interface {
	Deliver(c chunk.Coord, ref *chunkcache.Strong)
	Fail(c chunk.Coord, err error)
}

type Config struct {
	MaxRetries         int
	RetryBackoff       time.Duration
	MaxConcurrentLoads int64
	LoadsPerSecond     float64
	LoadBurst          int
	SaveTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxConcurrentLoads <= 0 {
		c.MaxConcurrentLoads = 8
	}
	if c.LoadBurst <= 0 {
		c.LoadBurst = 64
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

type Deps struct {
	Cache     *chunkcache.Cache
	Storage   Storage // optional
	Generator Generator
	Logger    *log.Logger
	Metrics   *metrics.Metrics
}

type load struct {
	waiters []Sink
}

// pendingSave is the newest evicted copy of a dirty chunk that storage has
// not confirmed yet. At most one flush goroutine runs per coord.
type pendingSave struct {
	chunk   *chunk.Chunk
	gen     uint64
	running bool
}

type Loader struct {
	cfg     Config
	cache   *chunkcache.Cache
	arena   *chunkcache.Arena
	storage Storage
	gen     Generator
	log     *log.Logger
	metrics *metrics.Metrics

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[chunk.Coord]*load
	failed   map[chunk.Coord]error
	started  uint64
	closed   bool

	// saveMu is a leaf lock; evicted takes it under the arena lock.
	saveMu      sync.Mutex
	pending     map[chunk.Coord]*pendingSave
	savesClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Loader {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cache := deps.Cache
	if cache == nil {
		cache = chunkcache.New()
	}
	limit := rate.Inf
	if cfg.LoadsPerSecond > 0 {
		limit = rate.Limit(cfg.LoadsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		cfg:      cfg,
		cache:    cache,
		storage:  deps.Storage,
		gen:      deps.Generator,
		log:      logger,
		metrics:  deps.Metrics,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentLoads),
		limiter:  rate.NewLimiter(limit, cfg.LoadBurst),
		inflight: map[chunk.Coord]*load{},
		failed:   map[chunk.Coord]error{},
		pending:  map[chunk.Coord]*pendingSave{},
		ctx:      ctx,
		cancel:   cancel,
	}
	l.arena = chunkcache.NewArena(l.evicted)
	return l
}

func (l *Loader) Cache() *chunkcache.Cache { return l.cache }

func (l *Loader) Arena() *chunkcache.Arena { return l.arena }

// Acquire asks for coord to be resident and reports the outcome to sink.
// It never blocks on I/O.
func (l *Loader) Acquire(c chunk.Coord, sink Sink) {
	if ref, ok := l.cache.Get(c); ok {
		sink.Deliver(c, ref)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sink.Fail(c, ErrClosed)
		return
	}
	if ld, ok := l.inflight[c]; ok {
		ld.waiters = append(ld.waiters, sink)
		l.mu.Unlock()
		l.metrics.IncLoadCoalesced()
		return
	}
	// A load may have completed between the lookup above and taking the lock.
	if ref, ok := l.cache.Get(c); ok {
		l.mu.Unlock()
		sink.Deliver(c, ref)
		return
	}
	ld := &load{waiters: []Sink{sink}}
	l.inflight[c] = ld
	delete(l.failed, c)
	l.started++
	l.wg.Add(1)
	l.mu.Unlock()

	l.metrics.IncLoadStarted()
	go l.run(c, ld)
}

// State reports where coord sits in the load pipeline.
func (l *Loader) State(c chunk.Coord) chunk.LoadState {
	l.mu.Lock()
	_, loading := l.inflight[c]
	_, failed := l.failed[c]
	l.mu.Unlock()
	switch {
	case loading:
		return chunk.Loading
	case failed:
		return chunk.Failed
	}
	if w, ok := l.cache.Find(c); ok && w.Alive() {
		return chunk.Loaded
	}
	return chunk.Pending
}

// LoadsStarted returns how many load goroutines were ever spawned.
func (l *Loader) LoadsStarted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// PendingSaves returns how many evicted dirty chunks are not yet stored.
func (l *Loader) PendingSaves() int {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	return len(l.pending)
}

// Close cancels in-flight loads, waits for them and for running saves, and
// then writes back whatever is still pending.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.saveMu.Lock()
	l.savesClosed = true
	l.saveMu.Unlock()
	l.cancel()
	l.wg.Wait()

	l.saveMu.Lock()
	rest := l.pending
	l.pending = map[chunk.Coord]*pendingSave{}
	l.saveMu.Unlock()
	for _, ps := range rest {
		_ = l.save(ps.chunk)
	}
}

func (l *Loader) run(c chunk.Coord, ld *load) {
	defer l.wg.Done()

	ch, err := l.loadWithRetry(c)

	var ref *chunkcache.Strong
	l.mu.Lock()
	delete(l.inflight, c)
	waiters := ld.waiters
	ld.waiters = nil
	if err == nil {
		ch.SetState(chunk.Loaded)
		// The in-flight load owns this reference until every waiter has one.
		ref = l.arena.Alloc(ch)
		l.cache.Insert(c, ref.Weak())
	} else {
		l.failed[c] = err
	}
	l.mu.Unlock()

	if err != nil {
		l.metrics.IncLoadFailure()
		l.log.Printf("chunk load failed coord=%s waiters=%d err=%v", c, len(waiters), err)
		reported := fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, c, err)
		for _, w := range waiters {
			w.Fail(c, reported)
		}
		return
	}

	for _, w := range waiters {
		w.Deliver(c, ref.Clone())
	}
	ref.Release()
	l.metrics.SetChunksResident(l.arena.Live())
}

func (l *Loader) loadWithRetry(c chunk.Coord) (*chunk.Chunk, error) {
	backoff := l.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.metrics.IncLoadRetry()
			t := time.NewTimer(backoff)
			select {
			case <-l.ctx.Done():
				t.Stop()
				return nil, ErrClosed
			case <-t.C:
			}
			backoff *= 2
		}
		ch, err := l.loadOnce(c)
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (l *Loader) loadOnce(c chunk.Coord) (*chunk.Chunk, error) {
	if ch, ok := l.fromPending(c); ok {
		return ch, nil
	}
	if err := l.limiter.Wait(l.ctx); err != nil {
		return nil, ErrClosed
	}
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, ErrClosed
	}
	defer l.sem.Release(1)

	if l.storage != nil {
		payload, err := l.storage.Load(l.ctx, c)
		switch {
		case err == nil:
			return chunk.DecodePayload(c, payload)
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("storage load: %w", err)
		}
	}
	if l.gen == nil {
		return nil, fmt.Errorf("no generator for %s: %w", c, ErrNotFound)
	}
	ch, err := l.gen.Generate(l.ctx, c)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return ch, nil
}

// fromPending rebuilds c from an evicted copy whose save has not landed. The
// result is dirty so the edit is written again if that save fails.
func (l *Loader) fromPending(c chunk.Coord) (*chunk.Chunk, bool) {
	l.saveMu.Lock()
	ps, ok := l.pending[c]
	l.saveMu.Unlock()
	if !ok {
		return nil, false
	}
	ch := chunk.NewWithBlocks(c, ps.chunk.Blocks())
	ch.MarkDirty()
	return ch, true
}

// evicted runs under the arena lock when the last strong reference to ch is
// released.
func (l *Loader) evicted(ch *chunk.Chunk, live int) {
	l.metrics.SetChunksResident(live)
	if l.storage == nil || !ch.Dirty() {
		return
	}
	c := ch.Coord()
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	ps, ok := l.pending[c]
	if !ok {
		ps = &pendingSave{}
		l.pending[c] = ps
	}
	ps.chunk = ch
	ps.gen++
	if ps.running || l.savesClosed {
		return
	}
	ps.running = true
	l.wg.Add(1)
	go l.flush(c, ps)
}

// flush writes ps until the newest copy is stored or a save fails. A failed
// copy stays pending and is retried by the next eviction or by Close.
func (l *Loader) flush(c chunk.Coord, ps *pendingSave) {
	defer l.wg.Done()
	for {
		l.saveMu.Lock()
		ch, gen := ps.chunk, ps.gen
		l.saveMu.Unlock()

		err := l.save(ch)

		l.saveMu.Lock()
		if ps.gen != gen {
			l.saveMu.Unlock()
			continue
		}
		ps.running = false
		if err == nil && l.pending[c] == ps {
			delete(l.pending, c)
		}
		l.saveMu.Unlock()
		return
	}
}

func (l *Loader) save(ch *chunk.Chunk) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SaveTimeout)
	defer cancel()
	if err := l.storage.Save(ctx, ch.Coord(), chunk.EncodePayload(ch)); err != nil {
		l.log.Printf("chunk save failed coord=%s err=%v", ch.Coord(), err)
		return err
	}
	ch.MarkClean()
	l.metrics.IncChunkSaved()
	return nil
}

// Package stream drains one replication channel into one transport stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"voxelrelay.ai/internal/metrics"
	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/replication/queue"
)

// ErrConnectionFault wraps transport write failures and queue faults.
var ErrConnectionFault = errors.New("connection fault")

// Sender is the outbound half of a transport stream.
type Sender interface {
	Send(ctx context.Context, b []byte) error
}

// Encoder renders one queued item as a wire frame.
type Encoder[T any] func(T) ([]byte, error)

type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Handle owns the writer goroutine of one channel.
type Handle[T any] struct {
	kind    protocol.ChannelKind
	ch      *queue.Channel[T]
	out     Sender
	enc     Encoder[T]
	log     *log.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu is held for the duration of every Send so Close can wait for
	// an in-progress write and forbid new ones.
	writeMu sync.Mutex
	closed  bool

	sent    atomic.Uint64
	skipped atomic.Uint64

	faultOnce sync.Once
	faults    chan error
	errMu     sync.Mutex
	err       error
	done      chan struct{}
}

// Start launches the writer loop for ch.
func Start[T any](kind protocol.ChannelKind, ch *queue.Channel[T], out Sender, enc Encoder[T], opts Options) *Handle[T] {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle[T]{
		kind:    kind,
		ch:      ch,
		out:     out,
		enc:     enc,
		log:     logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Handle[T]) Kind() protocol.ChannelKind { return h.kind }

// Channel returns the queue the handle drains.
func (h *Handle[T]) Channel() *queue.Channel[T] { return h.ch }

func (h *Handle[T]) run() {
	defer close(h.done)
	for {
		v, err := h.ch.Next(h.ctx)
		if err != nil {
			switch {
			case h.ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			default:
				h.fault(fmt.Errorf("%w: %s: %w", ErrConnectionFault, h.kind, err))
			}
			return
		}
		b, err := h.enc(v)
		if err != nil {
			h.skipped.Add(1)
			h.metrics.IncSerializationFailure()
			h.log.Printf("stream encode failed channel=%s err=%v", h.kind, err)
			continue
		}
		if !h.send(b) {
			return
		}
	}
}

func (h *Handle[T]) send(b []byte) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.closed {
		return false
	}
	if err := h.out.Send(h.ctx, b); err != nil {
		if h.ctx.Err() != nil {
			return false
		}
		h.fault(fmt.Errorf("%w: %s: %w", ErrConnectionFault, h.kind, err))
		return false
	}
	h.sent.Add(1)
	return true
}

func (h *Handle[T]) fault(err error) {
	h.faultOnce.Do(func() {
		h.errMu.Lock()
		h.err = err
		h.errMu.Unlock()
		h.ch.Fault(err)
		h.metrics.IncConnectionFault()
		h.log.Printf("stream fault channel=%s err=%v", h.kind, err)
		h.faults <- err
	})
}

// Faults delivers at most one connection fault.
func (h *Handle[T]) Faults() <-chan error { return h.faults }

// Err returns the fault, if any.
func (h *Handle[T]) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Sent returns the number of frames written.
func (h *Handle[T]) Sent() uint64 { return h.sent.Load() }

// Skipped returns the number of items dropped because they failed to encode.
func (h *Handle[T]) Skipped() uint64 { return h.skipped.Load() }

// Done is closed when the writer goroutine exits.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Close stops the writer. When it returns no further Send will start; a
// Send already in progress has returned.
func (h *Handle[T]) Close() {
	h.cancel()
	h.writeMu.Lock()
	h.closed = true
	h.writeMu.Unlock()
	h.ch.Close()
}

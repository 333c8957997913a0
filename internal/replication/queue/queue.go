// Package queue is the per-connection, per-channel FIFO between the tick loop
// (single producer) and a stream writer (single consumer).
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrOverflow faults a channel whose backlog exceeded its cap. Dropping
	// events instead would break replication ordering.
	ErrOverflow = errors.New("replication channel overflow")
	ErrClosed   = errors.New("replication channel closed")
)

type Channel[T any] struct {
	max int

	mu     sync.Mutex
	items  []T
	head   int
	err    error
	notify chan struct{}
}

// New creates a channel that faults once more than max items are queued.
// max <= 0 means unbounded.
func New[T any](max int) *Channel[T] {
	return &Channel[T]{max: max, notify: make(chan struct{}, 1)}
}

// Push appends v. It never blocks. Once the channel is closed or faulted,
// Push returns that error and v is discarded.
func (c *Channel[T]) Push(v T) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.max > 0 && len(c.items)-c.head >= c.max {
		c.faultLocked(ErrOverflow)
		c.mu.Unlock()
		return ErrOverflow
	}
	c.items = append(c.items, v)
	c.mu.Unlock()
	c.wake()
	return nil
}

// PushAll appends vs in order, stopping at the first error.
func (c *Channel[T]) PushAll(vs []T) error {
	for _, v := range vs {
		if err := c.Push(v); err != nil {
			return err
		}
	}
	return nil
}

// Next blocks until an item is available, the channel is closed or ctx is
// done. Items queued before Close are still returned; a fault discards them.
func (c *Channel[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if c.err != nil && c.err != ErrClosed {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		if c.head < len(c.items) {
			v := c.items[c.head]
			c.items[c.head] = zero
			c.head++
			if c.head == len(c.items) {
				c.items = c.items[:0]
				c.head = 0
			}
			c.mu.Unlock()
			return v, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops further pushes. Already queued items can still be drained.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()
	c.wake()
}

// Fault closes the channel with err and discards the backlog.
func (c *Channel[T]) Fault(err error) {
	c.mu.Lock()
	c.faultLocked(err)
	c.mu.Unlock()
	c.wake()
}

func (c *Channel[T]) faultLocked(err error) {
	if c.err != nil && c.err != ErrClosed {
		return
	}
	c.err = err
	c.items = nil
	c.head = 0
}

// Err returns the closing error, if any.
func (c *Channel[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) - c.head
}

func (c *Channel[T]) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

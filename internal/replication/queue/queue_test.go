package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	c := New[int](0)
	for i := 0; i < 100; i++ {
		if err := c.Push(i); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := c.Next(ctx)
		if err != nil || v != i {
			t.Fatalf("next=%d,%v want %d", v, err, i)
		}
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d", c.Len())
	}
}

func TestNextWaitsForPush(t *testing.T) {
	c := New[string](4)
	got := make(chan string, 1)
	go func() {
		v, _ := c.Next(context.Background())
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	_ = c.Push("hi")
	select {
	case v := <-got:
		if v != "hi" {
			t.Fatalf("v=%q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not wake up")
	}
}

func TestOverflowFaults(t *testing.T) {
	c := New[int](2)
	_ = c.Push(1)
	_ = c.Push(2)
	if err := c.Push(3); !errors.Is(err, ErrOverflow) {
		t.Fatalf("err=%v want overflow", err)
	}
	if _, err := c.Next(context.Background()); !errors.Is(err, ErrOverflow) {
		t.Fatalf("next err=%v want overflow", err)
	}
	if err := c.Push(4); !errors.Is(err, ErrOverflow) {
		t.Fatalf("push after fault err=%v", err)
	}
}

func TestCloseDrainsBacklog(t *testing.T) {
	c := New[int](0)
	_ = c.PushAll([]int{1, 2})
	c.Close()
	if err := c.Push(3); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close err=%v", err)
	}
	ctx := context.Background()
	for want := 1; want <= 2; want++ {
		if v, err := c.Next(ctx); err != nil || v != want {
			t.Fatalf("next=%d,%v want %d", v, err, want)
		}
	}
	if _, err := c.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want closed", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	c := New[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

package chunkfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/loader"
)

func TestSaveLoad(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	c := chunk.Coord{X: -1, Y: -2, Z: 3}

	if _, err := s.Load(ctx, c); !errors.Is(err, loader.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
	payload := chunk.EncodePayload(chunk.New(c))
	if err := s.Save(ctx, c, payload); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, c)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("load err=%v equal=%v", err, bytes.Equal(got, payload))
	}
	if _, err := os.Stat(s.path(c) + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	s := New(t.TempDir())
	c := chunk.Coord{X: 4}
	if err := s.Save(context.Background(), c, []byte("p")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(s.path(c), []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Load(context.Background(), c)
	if err == nil || errors.Is(err, loader.ErrNotFound) {
		t.Fatalf("err=%v want decode error", err)
	}
}

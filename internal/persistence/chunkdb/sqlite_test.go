package chunkdb

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/loader"
)

func TestSaveLoadOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chunks.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	c := chunk.Coord{X: -3, Y: 1, Z: 1 << 33}

	if _, err := s.Load(ctx, c); !errors.Is(err, loader.ErrNotFound) {
		t.Fatalf("missing err=%v want ErrNotFound", err)
	}
	if err := s.Save(ctx, c, []byte("one")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, c, []byte("two")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, c)
	if err != nil || !bytes.Equal(got, []byte("two")) {
		t.Fatalf("load=%q err=%v", got, err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count=%d want 1", n)
	}
	if v, _ := s.SchemaVersion(ctx); v != schemaVersion {
		t.Fatalf("schema=%q", v)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "chunks.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ch := chunk.New(chunk.Coord{X: 2})
	ch.Set(3, 4, 5, chunk.IronOre)
	if err := s.Save(context.Background(), ch.Coord(), chunk.EncodePayload(ch)); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	raw, err := s.Load(context.Background(), ch.Coord())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	back, err := chunk.DecodePayload(ch.Coord(), raw)
	if err != nil || back.Get(3, 4, 5) != chunk.IronOre {
		t.Fatalf("decode err=%v", err)
	}
}

package chunk

import (
	"context"
	"errors"
	"testing"
)

func TestFromBlockNegative(t *testing.T) {
	c, off := FromBlock(-1, 0, 17)
	if c != (Coord{X: -1, Y: 0, Z: 1}) {
		t.Fatalf("coord=%v want (-1,0,1)", c)
	}
	if off != [3]uint8{15, 0, 1} {
		t.Fatalf("offset=%v want [15 0 1]", off)
	}
}

func TestCubeRadiusOne(t *testing.T) {
	got := Cube(Coord{}, 1)
	if len(got) != 27 {
		t.Fatalf("len=%d want 27", len(got))
	}
	for _, c := range got {
		if Chebyshev(c, Coord{}) > 1 {
			t.Fatalf("coord %v outside radius", c)
		}
	}
	if len(Cube(Coord{}, 0)) != 1 {
		t.Fatalf("radius 0 should be a single chunk")
	}
}

func TestSetMarksDirtyAndDigest(t *testing.T) {
	ch := New(Coord{})
	d0 := ch.Digest()
	ch.Set(1, 2, 3, Stone)
	if !ch.Dirty() {
		t.Fatalf("expected dirty after Set")
	}
	if ch.Get(1, 2, 3) != Stone {
		t.Fatalf("Get mismatch")
	}
	if ch.Digest() == d0 {
		t.Fatalf("digest should change after Set")
	}
	ch.MarkClean()
	if ch.Dirty() {
		t.Fatalf("expected clean")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	gen := WorldGen{Seed: 42, BaseHeight: 8}
	src, err := gen.Generate(context.Background(), Coord{X: 3, Y: 0, Z: -2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := DecodePayload(src.Coord(), EncodePayload(src))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.Digest() != src.Digest() {
		t.Fatalf("digest mismatch after round trip")
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, err := DecodePayload(Coord{}, []byte{9, 1, 2}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err=%v want ErrBadPayload", err)
	}
	if _, err := DecodePayload(Coord{}, nil); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err=%v want ErrBadPayload", err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	gen := WorldGen{Seed: 1337, BaseHeight: 4}
	a, _ := gen.Generate(context.Background(), Coord{X: 1})
	b, _ := gen.Generate(context.Background(), Coord{X: 1})
	if a.Digest() != b.Digest() {
		t.Fatalf("generation not deterministic")
	}
	if a.Get(0, 15, 0) != Air {
		t.Fatalf("expected air above terrain")
	}
	if a.Get(0, 0, 0) == Air {
		t.Fatalf("expected solid block below terrain")
	}
}

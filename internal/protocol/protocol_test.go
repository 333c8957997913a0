package protocol

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
)

func TestSnapshotRoundTrip(t *testing.T) {
	in := entity.Snapshot{
		ID:         42,
		Version:    9,
		Position:   entity.Vec3{X: -3.25, Y: 64, Z: 1e6},
		Components: map[string]any{"hp": 12.0, "name": "zombie", "tags": []any{"hostile"}},
	}
	raw, err := EncodeSnapshot(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestUnserializableSnapshot(t *testing.T) {
	_, err := Relevant(entity.Snapshot{ID: 1, Components: map[string]any{"bad": math.NaN()}})
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("err=%v want ErrSerialization", err)
	}
}

func TestUpdateCodec(t *testing.T) {
	u, err := Changed(entity.Snapshot{ID: 5, Version: 2})
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	b, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind() != KindUpdate || got.ID() != 5 {
		t.Fatalf("got kind=%s id=%d", got.Kind(), got.ID())
	}
	s, ok := got.Snapshot()
	if !ok || s.Version != 2 {
		t.Fatalf("snapshot=%+v ok=%v", s, ok)
	}

	d, _ := EncodeUpdate(Destroyed(5))
	if !bytes.Equal(d, []byte(`{"kind":"DESTROYED","id":5}`)) {
		t.Fatalf("destroyed wire=%s", d)
	}
	if _, err := DecodeUpdate([]byte(`{"kind":"RELEVANT","id":1}`)); err == nil {
		t.Fatalf("expected RELEVANT without snapshot to fail")
	}
	if _, err := EncodeUpdate(Update{}); !errors.Is(err, ErrSerialization) {
		t.Fatalf("zero update err=%v", err)
	}
}

func TestChunkMsgRoundTrip(t *testing.T) {
	c := chunk.New(chunk.Coord{X: -4, Y: 2, Z: 1 << 40})
	c.Set(1, 2, 3, chunk.Stone)
	payload := chunk.EncodePayload(c)

	b, err := EncodeChunkMsg(ChunkMsg{Kind: ChunkData, Coord: c.Coord(), Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := DecodeChunkMsg(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != ChunkData || m.Coord != c.Coord() || !bytes.Equal(m.Payload, payload) {
		t.Fatalf("msg=%+v", m)
	}
	back, err := chunk.DecodePayload(m.Coord, m.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if back.Get(1, 2, 3) != chunk.Stone {
		t.Fatalf("block lost")
	}

	ev, _ := EncodeChunkMsg(ChunkMsg{Kind: ChunkEvict, Coord: chunk.Coord{X: 1}})
	m, err = DecodeChunkMsg(ev)
	if err != nil || m.Kind != ChunkEvict || m.Payload != nil {
		t.Fatalf("evict=%+v err=%v", m, err)
	}
	if _, err := DecodeChunkMsg(append(ev, 0)); !errors.Is(err, ErrBadChunkMsg) {
		t.Fatalf("trailing err=%v", err)
	}
}

func TestChannelTokens(t *testing.T) {
	for _, k := range Channels {
		got, err := ParseChannel(k.Token())
		if err != nil || got != k {
			t.Fatalf("parse %q = %v, %v", k.Token(), got, err)
		}
		f := AppendFrame(nil, k, []byte("x"))
		kk, p, err := SplitFrame(f)
		if err != nil || kk != k || string(p) != "x" {
			t.Fatalf("split %q = %v %q %v", f, kk, p, err)
		}
	}
	if _, err := ParseChannel("zzz"); !errors.Is(err, ErrUnknownChannelKind) {
		t.Fatalf("err=%v", err)
	}
	if ChannelKind(9).Valid() {
		t.Fatalf("kind 9 should be invalid")
	}
}

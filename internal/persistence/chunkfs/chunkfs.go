// Package chunkfs stores one compressed file per chunk under a directory.
package chunkfs

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/loader"
)

const fileVersion = 1

type Header struct {
	Version int         `json:"version"`
	Coord   chunk.Coord `json:"coord"`
}

type record struct {
	Header  Header
	Payload []byte
}

type Store struct {
	dir string
}

func New(dir string) *Store { return &Store{dir: dir} }

func (s *Store) path(c chunk.Coord) string {
	return filepath.Join(s.dir, strconv.FormatInt(c.Y, 10),
		strconv.FormatInt(c.X, 10)+"_"+strconv.FormatInt(c.Z, 10)+".chunk.zst")
}

// Save implements loader.Storage. The file is written next to its final
// name and renamed into place.
func (s *Store) Save(ctx context.Context, c chunk.Coord, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.path(c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeRecord(tmp, record{Header: Header{Version: fileVersion, Coord: c}, Payload: payload}); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chunkfs save %s: %w", c, err)
	}
	return os.Rename(tmp, path)
}

func writeRecord(path string, rec record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 32*1024)

	hb, _ := json.Marshal(rec.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&rec); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// Load implements loader.Storage.
func (s *Store) Load(ctx context.Context, c chunk.Coord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, loader.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 32*1024)

	// Header line is informational; the gob record repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return nil, fmt.Errorf("chunkfs load %s: header: %w", c, err)
	}
	var rec record
	if err := gob.NewDecoder(br).Decode(&rec); err != nil {
		return nil, fmt.Errorf("chunkfs load %s: gob decode: %w", c, err)
	}
	if rec.Header.Version != fileVersion || rec.Header.Coord != c {
		return nil, fmt.Errorf("chunkfs load %s: unexpected header %+v", c, rec.Header)
	}
	return rec.Payload, nil
}

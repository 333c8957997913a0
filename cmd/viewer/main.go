package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
	"voxelrelay.ai/internal/transport/natsconn"
	"voxelrelay.ai/internal/transport/ws"
)

type frame struct {
	kind protocol.ChannelKind
	b    []byte
}

// link is the transport-independent half of a viewer connection.
type link struct {
	frames <-chan frame
	send   func(v any) error
	close  func()
}

// view is what the client believes is relevant.
type view struct {
	self     uint64
	entities map[entity.ID]entity.Snapshot
	chunks   map[chunk.Coord]struct{}
	events   map[protocol.UpdateKind]int
	evicts   int
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		natsURL  = flag.String("nats", "", "join over NATS at this url instead of websocket")
		prefix   = flag.String("nats_prefix", "voxelrelay", "NATS subject prefix")
		name     = flag.String("name", "viewer", "viewer name")
		radius   = flag.Int("radius", -1, "relevancy radius (server default when < 0)")
		walk     = flag.Duration("walk", 10*time.Second, "random walk interval (0 disables)")
		interval = flag.Duration("report", 5*time.Second, "summary interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[viewer] ", log.LstdFlags|log.Lmicroseconds)

	hello := protocol.HelloMsg{Name: *name}
	if *radius >= 0 {
		hello.Radius = radius
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var l link
	var err error
	if *natsURL != "" {
		l, err = joinNATS(ctx, *natsURL, *prefix, hello)
	} else {
		l, err = dialWS(ctx, *url, hello)
	}
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer l.close()

	v := &view{
		entities: map[entity.ID]entity.Snapshot{},
		chunks:   map[chunk.Coord]struct{}{},
		events:   map[protocol.UpdateKind]int{},
	}
	report := time.NewTicker(*interval)
	defer report.Stop()
	var walkC <-chan time.Time
	if *walk > 0 {
		wt := time.NewTicker(*walk)
		defer wt.Stop()
		walkC = wt.C
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-l.frames:
			if !ok {
				logger.Printf("connection closed")
				return
			}
			handleFrame(logger, v, f)
		case <-report.C:
			logger.Printf("entities=%d chunks=%d relevant=%d update=%d irrelevant=%d destroyed=%d evicts=%d",
				len(v.entities), len(v.chunks),
				v.events[protocol.KindRelevant], v.events[protocol.KindUpdate],
				v.events[protocol.KindIrrelevant], v.events[protocol.KindDestroyed], v.evicts)
		case <-walkC:
			self, ok := v.entities[entity.ID(v.self)]
			if !ok {
				continue
			}
			p := self.Position
			to := [3]float64{p.X + float64(r.Intn(65)-32), p.Y, p.Z + float64(r.Intn(65)-32)}
			if err := l.send(protocol.MoveMsg{Type: protocol.TypeMove, Position: to}); err != nil {
				logger.Printf("send MOVE: %v", err)
			}
		}
	}
}

func handleFrame(logger *log.Logger, v *view, f frame) {
	switch f.kind {
	case protocol.ChannelBootstrap:
		base, err := protocol.DecodeBase(f.b)
		if err != nil {
			logger.Printf("bad bootstrap frame: %v", err)
			return
		}
		switch base.Type {
		case protocol.TypeBootstrap:
			var b protocol.BootstrapMsg
			if err := json.Unmarshal(f.b, &b); err != nil {
				return
			}
			v.self = b.EntityID
			logger.Printf("BOOTSTRAP session=%s entity=%d tick=%d tick_rate=%d radius=%d", b.SessionID, b.EntityID, b.Tick, b.TickRateHz, b.Radius)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(f.b, &e)
			logger.Printf("ERROR code=%s message=%s", e.Code, e.Message)
		}
	case protocol.ChannelEntity:
		u, err := protocol.DecodeUpdate(f.b)
		if err != nil {
			logger.Printf("bad update: %v", err)
			return
		}
		v.events[u.Kind()]++
		switch u.Kind() {
		case protocol.KindRelevant, protocol.KindUpdate:
			if s, ok := u.Snapshot(); ok {
				v.entities[u.ID()] = s
			}
		case protocol.KindIrrelevant, protocol.KindDestroyed:
			delete(v.entities, u.ID())
		}
	case protocol.ChannelChunk:
		m, err := protocol.DecodeChunkMsg(f.b)
		if err != nil {
			logger.Printf("bad chunk message: %v", err)
			return
		}
		switch m.Kind {
		case protocol.ChunkData:
			if _, err := chunk.DecodePayload(m.Coord, m.Payload); err != nil {
				logger.Printf("bad chunk payload coord=%s err=%v", m.Coord, err)
				return
			}
			v.chunks[m.Coord] = struct{}{}
		case protocol.ChunkEvict:
			delete(v.chunks, m.Coord)
			v.evicts++
		}
	}
}

func dialWS(ctx context.Context, url string, hello protocol.HelloMsg) (link, error) {
	cl, err := ws.Dial(ctx, url, hello)
	if err != nil {
		return link{}, err
	}
	frames := make(chan frame, 256)
	go func() {
		defer close(frames)
		for {
			kind, b, err := cl.Recv()
			if err != nil {
				return
			}
			frames <- frame{kind: kind, b: b}
		}
	}()
	return link{
		frames: frames,
		send:   cl.SendJSON,
		close:  func() { _ = cl.Close() },
	}, nil
}

func joinNATS(ctx context.Context, url, prefix string, hello protocol.HelloMsg) (link, error) {
	nc, err := nats.Connect(url, nats.Name("voxelrelay-viewer"))
	if err != nil {
		return link{}, err
	}
	jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cl, err := natsconn.Join(jctx, nc, prefix, hello)
	if err != nil {
		nc.Close()
		return link{}, fmt.Errorf("nats join: %w", err)
	}
	frames := make(chan frame, 256)
	go func() {
		defer close(frames)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-cl.Frames():
				frames <- frame{kind: f.Kind, b: f.Payload}
			}
		}
	}()
	return link{
		frames: frames,
		send:   cl.SendJSON,
		close: func() {
			_ = cl.Close()
			nc.Close()
		},
	}, nil
}

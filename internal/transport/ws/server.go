package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/transport"
)

type Server struct {
	accept transport.AcceptFunc
	log    *log.Logger
	seq    atomic.Uint64

	upgrader websocket.Upgrader

	// OutboundQueue bounds frames waiting for the writer goroutine.
	OutboundQueue int
}

func NewServer(accept transport.AcceptFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		accept: accept,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		OutboundQueue: 256,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}

		hello, ok := s.handshake(ws)
		if !ok {
			_ = ws.Close()
			return
		}

		id := "ws-" + strconv.FormatUint(s.seq.Add(1), 10)
		c := newConn(id, ws, s.OutboundQueue)
		go c.writeLoop()

		if err := s.accept(hello, c); err != nil {
			s.log.Printf("ws accept rejected conn=%s err=%v", id, err)
			close(c.in)
			c.fail(protocol.ErrInternal, err.Error())
			return
		}

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				break
			}
			select {
			case c.in <- msg:
			case <-c.done:
			}
		}
		close(c.in)
		_ = c.Close()
	}
}

func (s *Server) handshake(ws *websocket.Conn) (protocol.HelloMsg, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return protocol.HelloMsg{}, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(ws, websocket.ClosePolicyViolation, "expected HELLO")
		return protocol.HelloMsg{}, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(ws, websocket.ClosePolicyViolation, "bad HELLO")
		return protocol.HelloMsg{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(ws, websocket.ClosePolicyViolation, "bad protocol_version")
		return protocol.HelloMsg{}, false
	}
	return hello, true
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

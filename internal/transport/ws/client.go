package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelrelay.ai/internal/protocol"
)

// Client is the viewer side of a relay connection.
type Client struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// Dial connects to url and sends hello.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	c := &Client{ws: ws}
	if err := c.SendJSON(hello); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

// Recv reads the next frame and splits off its channel.
func (c *Client) Recv() (protocol.ChannelKind, []byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return protocol.SplitFrame(msg)
}

func (c *Client) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *Client) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

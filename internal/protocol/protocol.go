package protocol

import "encoding/json"

const Version = "1.0"

// Message types carried as JSON on the bootstrap channel.
const (
	TypeHello     = "HELLO"
	TypeBootstrap = "BOOTSTRAP"
	TypeError     = "ERROR"
	TypeMove      = "MOVE"
	TypeRadius    = "RADIUS"
	TypeSetBlock  = "SET_BLOCK"

	// Transport control messages. Transports without their own liveness
	// signal consume these before they reach the session.
	TypePing  = "PING"
	TypeLeave = "LEAVE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// HELLO (client -> server), first message on a new connection.
type HelloMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Name            string      `json:"name,omitempty"`
	Radius          *int        `json:"radius,omitempty"`
	Spawn           *[3]float64 `json:"spawn,omitempty"`
}

// MOVE (client -> server) sets the viewer entity's position.
type MoveMsg struct {
	Type     string     `json:"type"`
	Position [3]float64 `json:"position"`
}

// RADIUS (client -> server) changes the viewer's relevancy radius.
type RadiusMsg struct {
	Type   string `json:"type"`
	Radius int    `json:"radius"`
}

// SET_BLOCK (client -> server) edits one block inside the sender's own
// ticket. Position is in world block coordinates.
type SetBlockMsg struct {
	Type     string   `json:"type"`
	Position [3]int64 `json:"position"`
	Block    uint16   `json:"block"`
}

// BOOTSTRAP (server -> client), first message after a viewer registers.
type BootstrapMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	EntityID        uint64 `json:"entity_id"`
	Tick            uint64 `json:"tick"`
	TickRateHz      int    `json:"tick_rate_hz"`
	ChunkSize       int    `json:"chunk_size"`
	Radius          int    `json:"radius"`
	MaxChunks       int    `json:"max_chunks"`
}

// ERROR (server -> client), sent before a session is torn down when possible.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

package protocol

import "errors"

// ErrSerialization marks an event whose payload could not be encoded.
var ErrSerialization = errors.New("serialization failure")

// Wire error codes.
const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnknownChannel  = "E_UNKNOWN_CHANNEL"

	// Replication.
	ErrOverflow         = "E_OVERFLOW"
	ErrConnectionFault  = "E_CONNECTION_FAULT"
	ErrChunkUnavailable = "E_CHUNK_UNAVAILABLE"
	ErrChunkNotHeld     = "E_CHUNK_NOT_HELD"

	ErrShuttingDown = "E_SHUTTING_DOWN"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrUnknownChannel:   {},
	ErrOverflow:         {},
	ErrConnectionFault:  {},
	ErrChunkUnavailable: {},
	ErrChunkNotHeld:     {},
	ErrShuttingDown:     {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

import (
	"errors"
	"fmt"
)

// ChannelKind is the closed set of logical replication channels.
type ChannelKind uint8

const (
	ChannelEntity ChannelKind = iota + 1
	ChannelChunk
	ChannelBootstrap
)

// Channels lists every kind in a fixed order.
var Channels = [...]ChannelKind{ChannelEntity, ChannelChunk, ChannelBootstrap}

// TokenLen is the length of every channel token.
const TokenLen = 3

var ErrUnknownChannelKind = errors.New("unknown channel kind")

// Token is the stable identifier the transports use for the channel.
func (k ChannelKind) Token() string {
	switch k {
	case ChannelEntity:
		return "ent"
	case ChannelChunk:
		return "chk"
	case ChannelBootstrap:
		return "rel"
	default:
		return ""
	}
}

func (k ChannelKind) String() string {
	if t := k.Token(); t != "" {
		return t
	}
	return fmt.Sprintf("channel(%d)", uint8(k))
}

func (k ChannelKind) Valid() bool { return k.Token() != "" }

func ParseChannel(token string) (ChannelKind, error) {
	switch token {
	case "ent":
		return ChannelEntity, nil
	case "chk":
		return ChannelChunk, nil
	case "rel":
		return ChannelBootstrap, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannelKind, token)
	}
}

// AppendFrame prefixes payload with the channel token, for transports that
// multiplex every channel over one socket.
func AppendFrame(dst []byte, k ChannelKind, payload []byte) []byte {
	dst = append(dst, k.Token()...)
	return append(dst, payload...)
}

// SplitFrame is the inverse of AppendFrame. The payload aliases b.
func SplitFrame(b []byte) (ChannelKind, []byte, error) {
	if len(b) < TokenLen {
		return 0, nil, fmt.Errorf("%w: short frame", ErrUnknownChannelKind)
	}
	k, err := ParseChannel(string(b[:TokenLen]))
	if err != nil {
		return 0, nil, err
	}
	return k, b[TokenLen:], nil
}

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUnknownCallKind = errors.New("unknown call kind")

type (
	SessionID  string
	ChannelRef string
)

// NewSessionID is generated by the caller when a call starts.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ChannelFor derives the media channel name for a session.
func ChannelFor(sid SessionID) ChannelRef {
	return ChannelRef("call-" + string(sid))
}

type CallKind string

const (
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case KindVoice, KindVideo:
		return CallKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCallKind, s)
	}
}

func (k CallKind) HasVideo() bool { return k == KindVideo }

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

package call

import (
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type Tone string

const (
	ToneNone     Tone = "none"
	ToneRing     Tone = "ring"
	ToneRingback Tone = "ringback"
	ToneBusy     Tone = "busy"
)

// Snapshot is the read-only view handed to the UI.
type Snapshot struct {
	SessionID     domain.SessionID
	State         State
	Kind          domain.CallKind
	Role          domain.Role
	PeerID        domain.UserID
	Duration      time.Duration
	Muted         bool
	VideoEnabled  bool
	RemoteRinging bool
	Tone          Tone
	RemoteTracks  []core.RemoteTrack
	Error         error
	StartedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
}

func IdleSnapshot() Snapshot {
	return Snapshot{State: Idle, Tone: ToneNone}
}

func toneFor(state State, role domain.Role, remoteRinging bool) Tone {
	switch {
	case state == Ringing && role == domain.RoleCallee:
		return ToneRing
	case state == Calling && remoteRinging:
		return ToneRingback
	case state == Busy:
		return ToneBusy
	default:
		return ToneNone
	}
}

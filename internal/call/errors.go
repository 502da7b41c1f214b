package call

import "errors"

var (
	// ErrBusy: a non-terminal session already exists, or the peer answered busy.
	ErrBusy = errors.New("busy")
	// ErrMedia: local capture or negotiation failed. Fatal, never retried.
	ErrMedia = errors.New("media error")
	// ErrNetwork: connectivity or the signaling channel was lost.
	ErrNetwork = errors.New("network error")
	// ErrProtocol: an unexpected or malformed message. Logged and dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrPeerOffline: the relay reported the peer as unreachable.
	ErrPeerOffline = errors.New("peer offline")
	ErrTimeout     = errors.New("timeout")

	ErrNoSession     = errors.New("no such session")
	ErrInvalidAction = errors.New("action not allowed in current state")
)

// Terminates reports whether err ends a session. Protocol errors never do.
func Terminates(err error) bool {
	return err != nil && !errors.Is(err, ErrProtocol)
}

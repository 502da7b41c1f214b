package core

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceCall/internal/signaling"
)

var (
	// ErrBackpressure means the peer's send buffer is full.
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts one websocket endpoint on the relay.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client's ordered link to the relay.
type SignalChannel interface {
	Send(ctx context.Context, env signaling.Envelope) error
	Close()
}

// SignalHandler receives inbound envelopes and link state changes.
type SignalHandler interface {
	OnSignal(env signaling.Envelope)
	OnChannelState(up bool)
}

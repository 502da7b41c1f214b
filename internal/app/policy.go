package app

import (
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

type Policy interface {
	OnBackPressure(uid domain.UserID, kind signaling.Kind) BackpressureAction
}

// SimplePolicy disconnects any user that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, signaling.Kind) BackpressureAction {
	return Disconnect
}

// LenientPolicy drops trickled candidates and disconnects on anything else.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ domain.UserID, kind signaling.Kind) BackpressureAction {
	if kind == signaling.KindCandidate {
		return DropFrame
	}
	return Disconnect
}

package call

import (
	"testing"

	"github.com/dkeye/VoiceCall/internal/signaling"
)

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Idle, Calling},
		{Idle, Ringing},
		{Calling, Connecting},
		{Calling, Busy},
		{Ringing, Declined},
		{Connecting, Connected},
		{Connected, Ended},
		{Failed, Idle},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{Idle, Connected},
		{Ringing, Busy},
		{Connected, Connecting},
		{Ended, Connected},
		{Declined, Failed},
		{Idle, Idle},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesOnlyReturnToIdle(t *testing.T) {
	for _, s := range []State{Ended, Declined, Failed, Busy} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
		if s.Active() {
			t.Errorf("%s.Active() = true", s)
		}
		if next := validTransitions[s]; len(next) != 1 || next[0] != Idle {
			t.Errorf("%s transitions = %v, want [idle]", s, next)
		}
	}
	if Idle.Active() || Idle.IsTerminal() {
		t.Errorf("idle must be neither active nor terminal")
	}
}

func TestQueueSeal(t *testing.T) {
	var q candidateQueue
	q.Push(signaling.Candidate{Candidate: "a"})
	q.Seal()
	if q.Push(signaling.Candidate{Candidate: "b"}) {
		t.Errorf("Push after Seal accepted")
	}
	if q.Len() != 0 {
		t.Errorf("Len after Seal = %d", q.Len())
	}
}

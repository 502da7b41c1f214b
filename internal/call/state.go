// Package call implements the lifecycle of one audio/video call session.
package call

import "fmt"

type State int

const (
	Idle State = iota
	Calling
	Ringing
	Connecting
	Connected
	Ended
	Declined
	Failed
	Busy
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var validTransitions = map[State][]State{
	Idle:       {Calling, Ringing},
	Calling:    {Connecting, Declined, Busy, Failed, Ended},
	Ringing:    {Connecting, Declined, Failed, Ended},
	Connecting: {Connected, Failed, Ended},
	Connected:  {Ended, Failed},
	Ended:      {Idle},
	Declined:   {Idle},
	Failed:     {Idle},
	Busy:       {Idle},
}

func (s State) CanTransitionTo(next State) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the call is over and only waiting to return to Idle.
func (s State) IsTerminal() bool {
	switch s {
	case Ended, Declined, Failed, Busy:
		return true
	}
	return false
}

// Active reports whether the state blocks a second call.
func (s State) Active() bool {
	return s != Idle && !s.IsTerminal()
}

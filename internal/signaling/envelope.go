// Package signaling defines the call.* wire protocol exchanged with the relay.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
)

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownKind  = errors.New("unknown kind")
	ErrMissingField = errors.New("missing field")
)

type Kind string

// Client to relay.
const (
	KindRequest   Kind = "call.request"
	KindAnswer    Kind = "call.answer"
	KindCandidate Kind = "call.candidate"
	KindDecline   Kind = "call.decline"
	KindEnd       Kind = "call.end"
)

// Relay to client. KindCandidate is used in both directions.
const (
	KindIncoming   Kind = "call.incoming"
	KindRinging    Kind = "call.ringing"
	KindAnswered   Kind = "call.answered"
	KindDeclined   Kind = "call.declined"
	KindEnded      Kind = "call.ended"
	KindPeerStatus Kind = "call.peerStatus"
)

func (k Kind) Outbound() bool {
	switch k {
	case KindRequest, KindAnswer, KindCandidate, KindDecline, KindEnd:
		return true
	}
	return false
}

func (k Kind) Inbound() bool {
	switch k {
	case KindIncoming, KindRinging, KindAnswered, KindCandidate, KindDeclined, KindEnded, KindPeerStatus:
		return true
	}
	return false
}

// Forwarded returns the kind the relay delivers to the recipient of an outbound message.
func (k Kind) Forwarded() (Kind, bool) {
	switch k {
	case KindRequest:
		return KindIncoming, true
	case KindAnswer:
		return KindAnswered, true
	case KindCandidate:
		return KindCandidate, true
	case KindDecline:
		return KindDeclined, true
	case KindEnd:
		return KindEnded, true
	}
	return "", false
}

type Reason string

const (
	ReasonDeclined    Reason = "declined"
	ReasonBusy        Reason = "busy"
	ReasonTimeout     Reason = "timeout"
	ReasonUnavailable Reason = "unavailable"
)

type PeerStatus string

const (
	StatusOnline  PeerStatus = "online"
	StatusOffline PeerStatus = "offline"
)

// Description is an SDP offer or answer.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type Envelope struct {
	Kind        Kind              `json:"kind"`
	SessionID   domain.SessionID  `json:"sessionId"`
	ChannelRef  domain.ChannelRef `json:"channelRef,omitempty"`
	SenderID    domain.UserID     `json:"senderId"`
	RecipientID domain.UserID     `json:"recipientId,omitempty"`
	SentAt      time.Time         `json:"sentAt"`

	CallKind    domain.CallKind `json:"callKind,omitempty"`
	MediaToken  string          `json:"mediaToken,omitempty"`
	Description *Description    `json:"description,omitempty"`
	Candidate   *Candidate      `json:"candidate,omitempty"`
	Reason      Reason          `json:"reason,omitempty"`
	Status      PeerStatus      `json:"status,omitempty"`
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// Validate checks the common header and the payload required by Kind.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return missing("kind")
	}
	if !e.Kind.Outbound() && !e.Kind.Inbound() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.SessionID == "" {
		return missing("sessionId")
	}
	if e.SenderID == "" {
		return missing("senderId")
	}

	switch e.Kind {
	case KindRequest, KindIncoming:
		if _, err := domain.ParseCallKind(string(e.CallKind)); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.Description == nil || e.Description.SDP == "" {
			return missing("description")
		}
	case KindAnswer, KindAnswered:
		if e.Description == nil || e.Description.SDP == "" {
			return missing("description")
		}
	case KindCandidate:
		if e.Candidate == nil {
			return missing("candidate")
		}
	case KindPeerStatus:
		if e.Status != StatusOnline && e.Status != StatusOffline {
			return missing("status")
		}
	}
	if e.Kind.Outbound() && e.RecipientID == "" {
		return missing("recipientId")
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates one frame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

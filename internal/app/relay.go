// Package app holds the relay side: who is online and how call.* messages are routed between them.
package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/rs/zerolog/log"
)

var ErrNotRoutable = errors.New("kind is not routable")

// Limiter bounds how often one user may place calls.
type Limiter interface {
	Allow(uid domain.UserID) bool
}

type callLegs struct {
	caller domain.UserID
	callee domain.UserID
}

func (l callLegs) other(uid domain.UserID) (domain.UserID, bool) {
	switch uid {
	case l.caller:
		return l.callee, true
	case l.callee:
		return l.caller, true
	}
	return "", false
}

// Relay forwards call.* envelopes between online users and answers for offline ones.
type Relay struct {
	Registry *Registry
	Policy   Policy
	Limiter  Limiter
	Now      func() time.Time

	mu    sync.Mutex
	calls map[domain.SessionID]callLegs
}

func NewRelay(reg *Registry, policy Policy, limiter Limiter) *Relay {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Relay{
		Registry: reg,
		Policy:   policy,
		Limiter:  limiter,
		Now:      time.Now,
		calls:    make(map[domain.SessionID]callLegs),
	}
}

// Route delivers one outbound envelope from an authenticated user.
func (r *Relay) Route(from domain.UserID, env signaling.Envelope) error {
	logger := log.With().Str("module", "app.relay").Str("from", string(from)).Str("kind", string(env.Kind)).Str("sid", string(env.SessionID)).Logger()

	if env.SenderID != "" && env.SenderID != from {
		logger.Warn().Str("claimed", string(env.SenderID)).Msg("sender overridden")
	}
	env.SenderID = from
	if err := env.Validate(); err != nil {
		return err
	}
	fwd, ok := env.Kind.Forwarded()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRoutable, env.Kind)
	}
	if env.RecipientID == from {
		return fmt.Errorf("%w: recipient is sender", signaling.ErrMalformed)
	}

	if env.Kind == signaling.KindRequest && r.Limiter != nil && !r.Limiter.Allow(from) {
		logger.Warn().Msg("call request rate limited")
		r.reply(from, signaling.Envelope{
			Kind:      signaling.KindDeclined,
			SessionID: env.SessionID,
			SenderID:  env.RecipientID,
			Reason:    signaling.ReasonUnavailable,
		})
		return nil
	}

	dst, online := r.Registry.Lookup(env.RecipientID)
	if !online {
		logger.Info().Str("to", string(env.RecipientID)).Msg("recipient offline")
		r.forget(env.SessionID)
		r.reply(from, signaling.Envelope{
			Kind:      signaling.KindPeerStatus,
			SessionID: env.SessionID,
			SenderID:  env.RecipientID,
			Status:    signaling.StatusOffline,
		})
		return nil
	}

	// The call is tracked before delivery: the callee may answer it before deliver returns.
	if env.Kind == signaling.KindRequest {
		r.mu.Lock()
		r.calls[env.SessionID] = callLegs{caller: from, callee: env.RecipientID}
		r.mu.Unlock()
	}

	out := env
	out.Kind = fwd
	if out.SentAt.IsZero() {
		out.SentAt = r.Now()
	}
	r.deliver(env.RecipientID, dst, out)

	switch env.Kind {
	case signaling.KindRequest:
		r.reply(from, signaling.Envelope{
			Kind:      signaling.KindRinging,
			SessionID: env.SessionID,
			SenderID:  env.RecipientID,
		})
	case signaling.KindDecline, signaling.KindEnd:
		r.forget(env.SessionID)
	}
	logger.Debug().Str("to", string(env.RecipientID)).Msg("routed")
	return nil
}

// Disconnect tells the counterpart of every call uid was part of that uid went offline.
func (r *Relay) Disconnect(uid domain.UserID) {
	type notice struct {
		sid  domain.SessionID
		peer domain.UserID
	}
	var notices []notice

	r.mu.Lock()
	for sid, legs := range r.calls {
		if peer, ok := legs.other(uid); ok {
			notices = append(notices, notice{sid: sid, peer: peer})
			delete(r.calls, sid)
		}
	}
	r.mu.Unlock()

	for _, n := range notices {
		r.reply(n.peer, signaling.Envelope{
			Kind:      signaling.KindPeerStatus,
			SessionID: n.sid,
			SenderID:  uid,
			Status:    signaling.StatusOffline,
		})
	}
	log.Info().Str("module", "app.relay").Str("uid", string(uid)).Int("calls", len(notices)).Msg("user disconnected")
}

// ActiveCalls reports how many calls the relay is tracking.
func (r *Relay) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Relay) forget(sid domain.SessionID) {
	r.mu.Lock()
	delete(r.calls, sid)
	r.mu.Unlock()
}

// reply sends a relay-generated envelope to uid if they are online.
func (r *Relay) reply(uid domain.UserID, env signaling.Envelope) {
	conn, ok := r.Registry.Lookup(uid)
	if !ok {
		return
	}
	env.RecipientID = uid
	env.SentAt = r.Now()
	r.deliver(uid, conn, env)
}

func (r *Relay) deliver(uid domain.UserID, conn core.SignalConnection, env signaling.Envelope) {
	logger := log.With().Str("module", "app.relay").Str("to", string(uid)).Str("kind", string(env.Kind)).Logger()
	frame, err := signaling.Encode(env)
	if err != nil {
		logger.Error().Err(err).Msg("encode")
		return
	}
	err = conn.TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		switch r.Policy.OnBackPressure(uid, env.Kind) {
		case DropFrame:
			logger.Warn().Msg("backpressure, frame dropped")
		case Disconnect:
			logger.Warn().Msg("backpressure, disconnecting")
			r.Registry.Cancel(uid)
		}
	default:
		logger.Warn().Err(err).Msg("send failed")
	}
}

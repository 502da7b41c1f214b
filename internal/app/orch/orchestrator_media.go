package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/VoiceCall/internal/call"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/history"
	"github.com/rs/zerolog/log"
)

// loopScheduler runs timers and async continuations on the orchestrator loop.
type loopScheduler struct {
	o *Orchestrator
}

func (l loopScheduler) AfterFunc(d time.Duration, fn func()) call.Timer {
	return time.AfterFunc(d, func() { l.o.post(fn) })
}

func (l loopScheduler) Go(work func() func()) {
	go func() {
		cont := work()
		if !l.o.post(cont) {
			// Loop is gone; nothing else can touch the session now.
			cont()
		}
	}()
}

func (l loopScheduler) Post(fn func()) { l.o.post(fn) }

// deps binds a fresh media engine to the orchestrator's collaborators.
func (o *Orchestrator) deps(engine core.MediaEngine) call.Deps {
	return call.Deps{
		Self:       o.Self,
		Channel:    o.Channel,
		Engine:     engine,
		Scheduler:  o.Scheduler,
		Tokens:     o.Tokens,
		Now:        o.Now,
		OnChange:   o.onChange,
		OnTerminal: o.onTerminal,
	}
}

func (o *Orchestrator) onChange(snap call.Snapshot) {
	if snap.State == call.Idle {
		o.publish(call.IdleSnapshot(), false)
		return
	}
	o.publish(snap, true)
}

func (o *Orchestrator) publish(snap call.Snapshot, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap = snap
	o.hasActive = active
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest so the reader always ends on the latest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// onTerminal keeps the finished call visible for Linger, then returns to idle.
func (o *Orchestrator) onTerminal(s *call.Session) {
	if o.lingerTimer != nil {
		o.lingerTimer.Stop()
	}
	o.lingerTimer = o.Scheduler.AfterFunc(o.Linger, func() {
		if o.active == s {
			o.finishLingering()
		}
	})
}

// finishLingering completes a terminal session now and records it.
func (o *Orchestrator) finishLingering() {
	s := o.active
	if s == nil || !s.State().IsTerminal() {
		return
	}
	if o.lingerTimer != nil {
		o.lingerTimer.Stop()
		o.lingerTimer = nil
	}
	rec := recordOf(s.Snapshot())
	o.active = nil
	s.Complete()
	o.rememberFinished(s.ID())

	if o.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.History.Add(ctx, rec); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(rec.SessionID)).Msg("history add")
	}
}

const finishedMemory = 32

func (o *Orchestrator) rememberFinished(sid domain.SessionID) {
	if len(o.finished) == finishedMemory {
		o.finished = append(o.finished[:0], o.finished[1:]...)
	}
	o.finished = append(o.finished, sid)
}

func (o *Orchestrator) wasFinished(sid domain.SessionID) bool {
	for _, f := range o.finished {
		if f == sid {
			return true
		}
	}
	return false
}

func recordOf(snap call.Snapshot) history.Record {
	rec := history.Record{
		SessionID: snap.SessionID,
		PeerID:    snap.PeerID,
		Kind:      snap.Kind,
		Role:      snap.Role.String(),
		Outcome:   snap.State.String(),
		StartedAt: snap.StartedAt,
		EndedAt:   snap.EndedAt,
		Duration:  snap.Duration,
	}
	if snap.Error != nil {
		rec.Reason = reasonOf(snap.Error)
	}
	return rec
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, call.ErrTimeout) && !errors.Is(err, call.ErrNetwork):
		return "timeout"
	case errors.Is(err, call.ErrBusy):
		return "busy"
	case errors.Is(err, call.ErrPeerOffline):
		return "offline"
	case errors.Is(err, call.ErrMedia):
		return "media"
	case errors.Is(err, call.ErrNetwork):
		return "network"
	default:
		return err.Error()
	}
}

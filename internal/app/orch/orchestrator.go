// Package orch owns the single active call and serializes everything that touches it.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/call"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/history"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAutoBusy is returned when an incoming call was declined because another call is active.
	ErrAutoBusy = errors.New("incoming call declined: busy")
	ErrClosed   = errors.New("orchestrator closed")
)

type Handle struct {
	SessionID domain.SessionID `json:"sessionId"`
}

// Orchestrator is wired with exported collaborators and started with Start.
type Orchestrator struct {
	Self    domain.UserID
	Channel core.SignalChannel
	Media   core.MediaFactory
	Tokens  call.TokenIssuer
	History history.Store
	Call    call.Config
	// Linger keeps a terminal call visible before returning to idle.
	Linger time.Duration
	// Scheduler defaults to the event loop.
	Scheduler call.Scheduler
	Now       func() time.Time

	events chan func()
	done   chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	once   sync.Once

	// loop-owned
	active      *call.Session
	lingerTimer call.Timer
	channelUp   bool
	// finished holds the most recent completed session ids, oldest first.
	finished []domain.SessionID

	mu        sync.RWMutex
	snap      call.Snapshot
	hasActive bool
	subs      map[int]chan call.Snapshot
	nextSub   int
}

// Start launches the event loop. It must be called once before any other method.
func (o *Orchestrator) Start(ctx context.Context) {
	o.once.Do(func() {
		o.ctx, o.stop = context.WithCancel(ctx)
		o.events = make(chan func(), 64)
		o.done = make(chan struct{})
		o.subs = make(map[int]chan call.Snapshot)
		o.snap = call.IdleSnapshot()
		o.channelUp = true
		if o.Scheduler == nil {
			o.Scheduler = loopScheduler{o: o}
		}
		if o.Now == nil {
			o.Now = time.Now
		}
		go o.loop()
		log.Info().Str("module", "orch").Str("self", string(o.Self)).Msg("orchestrator started")
	})
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case fn := <-o.events:
			fn()
		}
	}
}

// post queues fn without waiting. It reports false once the loop is gone.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case <-o.done:
		return false
	case o.events <- fn:
		return true
	}
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case o.events <- task:
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// StartCall places an outgoing call. ErrBusy when another call is still active.
func (o *Orchestrator) StartCall(ctx context.Context, peer domain.UserID, kind domain.CallKind) (Handle, error) {
	var (
		h   Handle
		err error
	)
	if e := o.do(ctx, func() { h, err = o.startCall(peer, kind) }); e != nil {
		return Handle{}, e
	}
	return h, err
}

func (o *Orchestrator) startCall(peer domain.UserID, kind domain.CallKind) (Handle, error) {
	if o.active != nil && o.active.State().Active() {
		log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("start call rejected: busy")
		return Handle{}, call.ErrBusy
	}
	if !o.channelUp {
		return Handle{}, fmt.Errorf("%w: signaling channel down", call.ErrNetwork)
	}
	o.finishLingering()

	sid := domain.NewSessionID()
	engine, err := o.Media.NewEngine(o.ctx, sid)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: new engine: %v", call.ErrMedia, err)
	}
	s, err := call.NewOutgoing(o.ctx, o.deps(engine), o.Call, sid, peer, kind)
	if err != nil {
		engine.Teardown()
		return Handle{}, err
	}
	o.active = s
	s.Begin()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("peer", string(peer)).Str("kind", string(kind)).Msg("call started")
	return Handle{SessionID: sid}, nil
}

// HandleIncoming turns call.incoming into a ringing session or auto-declines it as busy.
func (o *Orchestrator) HandleIncoming(env signaling.Envelope) error {
	var err error
	if e := o.do(o.ctx, func() { err = o.handleIncoming(env) }); e != nil {
		return e
	}
	return err
}

func (o *Orchestrator) handleIncoming(env signaling.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", call.ErrProtocol, err)
	}
	if o.active != nil && o.active.ID() == env.SessionID {
		return fmt.Errorf("%w: duplicate incoming for %s", call.ErrProtocol, env.SessionID)
	}
	if o.wasFinished(env.SessionID) {
		return fmt.Errorf("%w: incoming for finished call %s", call.ErrProtocol, env.SessionID)
	}
	if o.active != nil && o.active.State().Active() {
		o.replyBusy(env)
		return ErrAutoBusy
	}
	o.finishLingering()

	engine, err := o.Media.NewEngine(o.ctx, env.SessionID)
	if err != nil {
		return fmt.Errorf("%w: new engine: %v", call.ErrMedia, err)
	}
	s, err := call.NewIncoming(o.ctx, o.deps(engine), o.Call, env)
	if err != nil {
		engine.Teardown()
		return err
	}
	o.active = s
	s.Begin()
	log.Info().Str("module", "orch").Str("sid", string(env.SessionID)).Str("peer", string(env.SenderID)).Msg("incoming call")
	return nil
}

func (o *Orchestrator) replyBusy(env signaling.Envelope) {
	reply := signaling.Envelope{
		Kind:        signaling.KindDecline,
		SessionID:   env.SessionID,
		ChannelRef:  env.ChannelRef,
		SenderID:    o.Self,
		RecipientID: env.SenderID,
		SentAt:      o.Now(),
		Reason:      signaling.ReasonBusy,
	}
	if err := o.Channel.Send(o.ctx, reply); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(env.SessionID)).Msg("busy reply failed")
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(env.SessionID)).Str("peer", string(env.SenderID)).Msg("auto-declined busy")
}

// DispatchSignal routes an inbound envelope to the active session. Mismatches are logged and dropped.
func (o *Orchestrator) DispatchSignal(env signaling.Envelope) {
	o.post(func() { o.dispatch(env) })
}

func (o *Orchestrator) dispatch(env signaling.Envelope) {
	logger := log.With().Str("module", "orch").Str("kind", string(env.Kind)).Str("sid", string(env.SessionID)).Logger()
	if env.Kind == signaling.KindIncoming {
		if err := o.handleIncoming(env); err != nil {
			logger.Warn().Err(err).Msg("incoming call not accepted")
		}
		return
	}
	if o.active == nil {
		logger.Debug().Msg("no session, dropped")
		return
	}
	if err := o.active.HandleSignal(env); err != nil {
		logger.Warn().Err(err).Msg("signal dropped")
	}
}

// OnSignal implements core.SignalHandler.
func (o *Orchestrator) OnSignal(env signaling.Envelope) { o.DispatchSignal(env) }

// OnChannelState implements core.SignalHandler.
func (o *Orchestrator) OnChannelState(up bool) {
	if up {
		o.ChannelUp()
		return
	}
	o.ChannelDown()
}

func (o *Orchestrator) ChannelDown() {
	o.post(func() {
		o.channelUp = false
		log.Warn().Str("module", "orch").Msg("signaling channel down")
		if o.active != nil {
			o.active.ChannelDown()
		}
	})
}

func (o *Orchestrator) ChannelUp() {
	o.post(func() {
		o.channelUp = true
		log.Info().Str("module", "orch").Msg("signaling channel up")
	})
}

func (o *Orchestrator) withSession(ctx context.Context, sid domain.SessionID, fn func(*call.Session) error) error {
	var err error
	if e := o.do(ctx, func() {
		if o.active == nil || o.active.ID() != sid {
			err = call.ErrNoSession
			return
		}
		err = fn(o.active)
	}); e != nil {
		return e
	}
	return err
}

func (o *Orchestrator) Accept(ctx context.Context, sid domain.SessionID) error {
	return o.withSession(ctx, sid, (*call.Session).Accept)
}

func (o *Orchestrator) Decline(ctx context.Context, sid domain.SessionID) error {
	return o.withSession(ctx, sid, (*call.Session).Decline)
}

func (o *Orchestrator) Hangup(ctx context.Context, sid domain.SessionID) error {
	return o.withSession(ctx, sid, (*call.Session).Hangup)
}

func (o *Orchestrator) SetMuted(ctx context.Context, sid domain.SessionID, muted bool) error {
	return o.withSession(ctx, sid, func(s *call.Session) error { return s.SetMuted(muted) })
}

func (o *Orchestrator) SetVideoEnabled(ctx context.Context, sid domain.SessionID, enabled bool) error {
	return o.withSession(ctx, sid, func(s *call.Session) error { return s.SetVideoEnabled(enabled) })
}

// CurrentSnapshot reports the latest projection and whether a session (possibly lingering) exists.
func (o *Orchestrator) CurrentSnapshot() (call.Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap, o.hasActive
}

// Subscribe streams snapshots, starting with the current one. Slow readers only see the latest.
func (o *Orchestrator) Subscribe() (<-chan call.Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan call.Snapshot, 8)
	ch <- o.snap
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Recent returns finished calls, newest first.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if o.History == nil {
		return nil, nil
	}
	return o.History.Recent(ctx, limit)
}

// Close hangs up any live call, records it and stops the loop.
func (o *Orchestrator) Close() {
	_ = o.do(context.Background(), func() {
		if o.active == nil {
			return
		}
		if o.active.State().Active() {
			_ = o.active.Hangup()
		}
		o.finishLingering()
	})
	o.stop()
	<-o.done

	o.mu.Lock()
	for id, c := range o.subs {
		delete(o.subs, id)
		close(c)
	}
	o.mu.Unlock()
	log.Info().Str("module", "orch").Msg("orchestrator stopped")
}

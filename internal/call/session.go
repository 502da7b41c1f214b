package call

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// RingTimeout bounds Calling and Ringing.
	RingTimeout time.Duration
	// ConnectTimeout bounds Connecting.
	ConnectTimeout time.Duration
	// Tick is the duration counter resolution.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 45 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

// TokenIssuer mints and checks the media channel token.
type TokenIssuer interface {
	Mint(channel domain.ChannelRef, sub domain.UserID) (string, error)
	Verify(tok string, channel domain.ChannelRef) error
}

type Deps struct {
	Self      domain.UserID
	Channel   core.SignalChannel
	Engine    core.MediaEngine
	Scheduler Scheduler
	// Tokens is optional; without it no media token is sent or checked.
	Tokens TokenIssuer
	Now    func() time.Time
	// OnChange receives a snapshot after every visible change.
	OnChange func(Snapshot)
	// OnTerminal fires once when the session enters a terminal state.
	OnTerminal func(*Session)
}

// Session is one call. Every method must run on the Scheduler's goroutine.
type Session struct {
	id      domain.SessionID
	role    domain.Role
	peer    domain.UserID
	channel domain.ChannelRef
	kind    domain.CallKind
	state   State

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	duration    time.Duration

	tracks *core.TrackSet
	remote map[string]core.RemoteTrack
	queue  candidateQueue

	muted         bool
	videoEnabled  bool
	remoteRinging bool
	err           error

	mediaToken    string
	remoteOffer   *signaling.Description
	localApplied  bool
	remoteApplied bool
	announced     bool
	tornDown      bool

	ringTimer    Timer
	connectTimer Timer
	tickTimer    Timer
	tickGen      int

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	cfg  Config
	deps Deps
	log  zerolog.Logger
}

func newSession(ctx context.Context, deps Deps, cfg Config, sid domain.SessionID, role domain.Role,
	peer domain.UserID, channel domain.ChannelRef, kind domain.CallKind) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:           sid,
		role:         role,
		peer:         peer,
		channel:      channel,
		kind:         kind,
		state:        Idle,
		remote:       make(map[string]core.RemoteTrack),
		videoEnabled: kind.HasVideo(),
		parent:       ctx,
		ctx:          sctx,
		cancel:       cancel,
		cfg:          cfg.withDefaults(),
		deps:         deps,
		log: log.With().
			Str("module", "call").
			Str("sid", string(sid)).
			Str("role", role.String()).
			Str("peer", string(peer)).
			Logger(),
	}
	s.bindEngine()
	return s
}

// NewOutgoing prepares a caller session. Begin starts it.
func NewOutgoing(ctx context.Context, deps Deps, cfg Config, sid domain.SessionID, peer domain.UserID, kind domain.CallKind) (*Session, error) {
	if peer == deps.Self {
		return nil, fmt.Errorf("%w: cannot call yourself", ErrInvalidAction)
	}
	if sid == "" {
		sid = domain.NewSessionID()
	}
	channel := domain.ChannelFor(sid)

	var tok string
	if deps.Tokens != nil {
		var err error
		if tok, err = deps.Tokens.Mint(channel, deps.Self); err != nil {
			return nil, fmt.Errorf("mint media token: %w", err)
		}
	}
	s := newSession(ctx, deps, cfg, sid, domain.RoleCaller, peer, channel, kind)
	s.mediaToken = tok
	return s, nil
}

// NewIncoming prepares a callee session from call.incoming. Begin starts ringing.
func NewIncoming(ctx context.Context, deps Deps, cfg Config, env signaling.Envelope) (*Session, error) {
	if env.Kind != signaling.KindIncoming {
		return nil, fmt.Errorf("%w: %s is not an incoming call", ErrProtocol, env.Kind)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	kind, err := domain.ParseCallKind(string(env.CallKind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	channel := env.ChannelRef
	if channel == "" {
		channel = domain.ChannelFor(env.SessionID)
	}
	if deps.Tokens != nil {
		if err := deps.Tokens.Verify(env.MediaToken, channel); err != nil {
			return nil, fmt.Errorf("%w: media token: %v", ErrProtocol, err)
		}
	}
	s := newSession(ctx, deps, cfg, env.SessionID, domain.RoleCallee, env.SenderID, channel, kind)
	offer := *env.Description
	s.remoteOffer = &offer
	s.mediaToken = env.MediaToken
	return s, nil
}

func (s *Session) ID() domain.SessionID  { return s.id }
func (s *Session) Peer() domain.UserID   { return s.peer }
func (s *Session) Role() domain.Role     { return s.role }
func (s *Session) Kind() domain.CallKind { return s.kind }
func (s *Session) State() State          { return s.state }
func (s *Session) Err() error            { return s.err }

func (s *Session) now() time.Time { return s.deps.Now() }

func (s *Session) bindEngine() {
	e, sched := s.deps.Engine, s.deps.Scheduler
	e.OnLocalCandidate(func(c signaling.Candidate) {
		sched.Post(func() { s.onLocalCandidate(c) })
	})
	e.OnConnectivity(func(c core.Connectivity) {
		sched.Post(func() { s.onConnectivity(c) })
	})
	e.OnRemoteTrack(func(ev core.RemoteTrackEvent) {
		sched.Post(func() { s.onRemoteTrack(ev) })
	})
}

// Begin moves a fresh session to Calling or Ringing.
func (s *Session) Begin() {
	if s.state != Idle || s.tornDown {
		return
	}
	s.startedAt = s.now()
	switch s.role {
	case domain.RoleCaller:
		if !s.transition(Calling) {
			return
		}
		s.ringTimer = s.deps.Scheduler.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
		s.acquire()
	case domain.RoleCallee:
		if !s.transition(Ringing) {
			return
		}
		s.ringTimer = s.deps.Scheduler.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
	}
}

func (s *Session) Accept() error {
	if s.role != domain.RoleCallee || s.state != Ringing {
		return fmt.Errorf("%w: accept in %s", ErrInvalidAction, s.state)
	}
	stopTimer(&s.ringTimer)
	if !s.transition(Connecting) {
		return ErrInvalidAction
	}
	s.connectTimer = s.deps.Scheduler.AfterFunc(s.cfg.ConnectTimeout, s.onConnectTimeout)
	s.acquire()
	return nil
}

func (s *Session) Decline() error {
	if s.role != domain.RoleCallee || s.state != Ringing {
		return fmt.Errorf("%w: decline in %s", ErrInvalidAction, s.state)
	}
	s.sendDecline(signaling.ReasonDeclined)
	s.terminate(Declined, nil)
	return nil
}

// Hangup cancels or ends the call from the local side.
func (s *Session) Hangup() error {
	switch s.state {
	case Calling:
		if s.announced {
			s.sendEnd()
		}
		s.terminate(Ended, nil)
	case Ringing:
		return s.Decline()
	case Connecting, Connected:
		s.sendEnd()
		s.terminate(Ended, nil)
	default:
		return fmt.Errorf("%w: hangup in %s", ErrInvalidAction, s.state)
	}
	return nil
}

func (s *Session) SetMuted(muted bool) error {
	if !s.state.Active() {
		return fmt.Errorf("%w: mute in %s", ErrInvalidAction, s.state)
	}
	if s.muted == muted {
		return nil
	}
	s.muted = muted
	if s.tracks != nil {
		if err := s.deps.Engine.SetMuted(muted); err != nil {
			s.log.Warn().Err(err).Bool("muted", muted).Msg("engine mute failed")
		}
	}
	s.notify()
	return nil
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	if !s.state.Active() {
		return fmt.Errorf("%w: video toggle in %s", ErrInvalidAction, s.state)
	}
	if !s.kind.HasVideo() || (s.tracks != nil && !s.tracks.HasVideo()) {
		return fmt.Errorf("%w: no local video", ErrInvalidAction)
	}
	if s.videoEnabled == enabled {
		return nil
	}
	s.videoEnabled = enabled
	if s.tracks != nil {
		if err := s.deps.Engine.SetVideoEnabled(enabled); err != nil {
			s.log.Warn().Err(err).Bool("enabled", enabled).Msg("engine video toggle failed")
		}
	}
	s.notify()
	return nil
}

// HandleSignal applies an inbound envelope addressed to this session.
// Protocol errors leave the session untouched.
func (s *Session) HandleSignal(env signaling.Envelope) error {
	if env.SessionID != s.id || env.SenderID != s.peer {
		return fmt.Errorf("%w: %s for session %s from %s", ErrProtocol, env.Kind, env.SessionID, env.SenderID)
	}

	switch env.Kind {
	case signaling.KindCandidate:
		if env.Candidate == nil {
			return fmt.Errorf("%w: empty candidate", ErrProtocol)
		}
		s.onRemoteCandidate(*env.Candidate)
		return nil

	case signaling.KindRinging:
		if s.role != domain.RoleCaller || s.state != Calling {
			return fmt.Errorf("%w: ringing in %s", ErrProtocol, s.state)
		}
		if !s.remoteRinging {
			s.remoteRinging = true
			s.notify()
		}
		return nil

	case signaling.KindAnswered:
		return s.onAnswered(env)

	case signaling.KindDeclined:
		if s.role != domain.RoleCaller || s.state != Calling {
			return fmt.Errorf("%w: declined in %s", ErrProtocol, s.state)
		}
		switch env.Reason {
		case signaling.ReasonBusy:
			s.terminate(Busy, ErrBusy)
		case signaling.ReasonTimeout:
			s.terminate(Failed, ErrTimeout)
		default:
			s.terminate(Declined, nil)
		}
		return nil

	case signaling.KindEnded:
		if !s.state.Active() {
			return nil
		}
		s.terminate(Ended, nil)
		return nil

	case signaling.KindPeerStatus:
		if env.Status == signaling.StatusOffline && s.state.Active() {
			s.terminate(Failed, ErrPeerOffline)
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected %s", ErrProtocol, env.Kind)
}

// ChannelDown fails a live call without signaling the peer.
func (s *Session) ChannelDown() {
	if !s.state.Active() {
		return
	}
	s.terminate(Failed, fmt.Errorf("%w: signaling channel lost", ErrNetwork))
}

// Fail terminates the session with err unless it is already over.
func (s *Session) Fail(err error) {
	if !s.state.Active() {
		return
	}
	s.terminate(Failed, err)
}

// Complete returns a terminal session to Idle after its linger period.
func (s *Session) Complete() bool {
	if !s.state.IsTerminal() {
		return false
	}
	return s.transition(Idle)
}

func (s *Session) Snapshot() Snapshot {
	remote := make([]core.RemoteTrack, 0, len(s.remote))
	for _, t := range s.remote {
		remote = append(remote, t)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].ID < remote[j].ID })

	return Snapshot{
		SessionID:     s.id,
		State:         s.state,
		Kind:          s.kind,
		Role:          s.role,
		PeerID:        s.peer,
		Duration:      s.duration,
		Muted:         s.muted,
		VideoEnabled:  s.videoEnabled,
		RemoteRinging: s.remoteRinging,
		Tone:          toneFor(s.state, s.role, s.remoteRinging),
		RemoteTracks:  remote,
		Error:         s.err,
		StartedAt:     s.startedAt,
		ConnectedAt:   s.connectedAt,
		EndedAt:       s.endedAt,
	}
}

func (s *Session) notify() {
	if s.deps.OnChange != nil {
		s.deps.OnChange(s.Snapshot())
	}
}

func (s *Session) transition(next State) bool {
	if !s.state.CanTransitionTo(next) {
		s.log.Warn().Str("from", s.state.String()).Str("to", next.String()).Msg("invalid transition")
		return false
	}
	prev := s.state
	s.state = next
	s.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state change")

	terminal := next.IsTerminal()
	if terminal {
		s.teardown()
	}
	s.notify()
	if terminal && s.deps.OnTerminal != nil {
		s.deps.OnTerminal(s)
	}
	return true
}

func (s *Session) terminate(next State, err error) {
	if err != nil && s.err == nil {
		s.err = err
	}
	if s.err != nil {
		s.log.Warn().Err(s.err).Str("to", next.String()).Msg("call terminated")
	}
	s.transition(next)
}

func (s *Session) fail(err error) { s.terminate(Failed, err) }

func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.cancel()
	stopTimer(&s.ringTimer)
	stopTimer(&s.connectTimer)
	s.stopTick()
	s.queue.Seal()
	if s.tracks != nil {
		if err := s.tracks.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close local tracks")
		}
	}
	s.deps.Engine.Teardown()
	s.remote = make(map[string]core.RemoteTrack)
	s.remoteRinging = false
	s.endedAt = s.now()
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) armTick() {
	gen := s.tickGen
	s.tickTimer = s.deps.Scheduler.AfterFunc(s.cfg.Tick, func() {
		if gen != s.tickGen || s.state != Connected {
			return
		}
		s.duration += s.cfg.Tick
		s.notify()
		s.armTick()
	})
}

func (s *Session) stopTick() {
	s.tickGen++
	stopTimer(&s.tickTimer)
}

func (s *Session) acquire() {
	ctx, kind, engine := s.ctx, s.kind, s.deps.Engine
	s.deps.Scheduler.Go(func() func() {
		ts, err := engine.AcquireLocalTracks(ctx, kind)
		return func() { s.onAcquired(ctx, ts, err) }
	})
}

func (s *Session) onAcquired(ctx context.Context, ts *core.TrackSet, err error) {
	if ctx.Err() != nil || !s.state.Active() {
		if ts != nil {
			_ = ts.Close()
		}
		s.log.Debug().Msg("discarding media acquired after teardown")
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: acquire local tracks: %v", ErrMedia, err))
		return
	}
	if ts == nil || ts.Len() == 0 {
		if ts != nil {
			_ = ts.Close()
		}
		s.fail(fmt.Errorf("%w: no local tracks", ErrMedia))
		return
	}

	s.tracks = ts
	if s.kind.HasVideo() && !ts.HasVideo() {
		s.videoEnabled = false
		s.log.Warn().Msg("camera unavailable, continuing audio-only")
	}
	engine := s.deps.Engine
	if err := engine.PublishTracks(ts); err != nil {
		s.fail(fmt.Errorf("%w: publish tracks: %v", ErrMedia, err))
		return
	}
	if s.muted {
		_ = engine.SetMuted(true)
	}
	if ts.HasVideo() && !s.videoEnabled {
		_ = engine.SetVideoEnabled(false)
	}

	switch s.role {
	case domain.RoleCaller:
		s.offer()
	case domain.RoleCallee:
		s.answer()
	}
	if s.state.Active() {
		s.notify()
	}
}

func (s *Session) offer() {
	engine := s.deps.Engine
	desc, err := engine.CreateOffer(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("%w: create offer: %v", ErrMedia, err))
		return
	}
	if err := engine.ApplyLocalDescription(desc); err != nil {
		s.fail(fmt.Errorf("%w: apply offer: %v", ErrMedia, err))
		return
	}
	s.localApplied = true

	env := s.envelope(signaling.KindRequest)
	env.CallKind = s.kind
	env.MediaToken = s.mediaToken
	env.Description = &desc
	if err := s.send(env); err != nil {
		s.fail(err)
		return
	}
	s.announced = true
	s.drainIfReady()
}

func (s *Session) answer() {
	engine := s.deps.Engine
	if err := engine.ApplyRemoteDescription(*s.remoteOffer); err != nil {
		s.sendEnd()
		s.fail(fmt.Errorf("%w: apply remote offer: %v", ErrMedia, err))
		return
	}
	s.remoteApplied = true

	desc, err := engine.CreateAnswer(s.ctx)
	if err != nil {
		s.sendEnd()
		s.fail(fmt.Errorf("%w: create answer: %v", ErrMedia, err))
		return
	}
	if err := engine.ApplyLocalDescription(desc); err != nil {
		s.sendEnd()
		s.fail(fmt.Errorf("%w: apply answer: %v", ErrMedia, err))
		return
	}
	s.localApplied = true
	s.drainIfReady()

	env := s.envelope(signaling.KindAnswer)
	env.Description = &desc
	if err := s.send(env); err != nil {
		s.fail(err)
		return
	}
	s.announced = true
}

func (s *Session) onAnswered(env signaling.Envelope) error {
	if s.role != domain.RoleCaller || s.state != Calling || !s.localApplied || s.remoteApplied {
		return fmt.Errorf("%w: answer in %s", ErrProtocol, s.state)
	}
	if env.Description == nil {
		return fmt.Errorf("%w: answer without description", ErrProtocol)
	}
	stopTimer(&s.ringTimer)
	s.remoteRinging = false
	if !s.transition(Connecting) {
		return ErrInvalidAction
	}
	s.connectTimer = s.deps.Scheduler.AfterFunc(s.cfg.ConnectTimeout, s.onConnectTimeout)

	if err := s.deps.Engine.ApplyRemoteDescription(*env.Description); err != nil {
		s.sendEnd()
		s.fail(fmt.Errorf("%w: apply remote answer: %v", ErrMedia, err))
		return nil
	}
	s.remoteApplied = true
	s.drainIfReady()
	return nil
}

func (s *Session) ready() bool { return s.localApplied && s.remoteApplied }

func (s *Session) drainIfReady() {
	if !s.ready() {
		return
	}
	for _, c := range s.queue.Drain() {
		if err := s.deps.Engine.AddRemoteCandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
}

func (s *Session) onRemoteCandidate(c signaling.Candidate) {
	if s.tornDown || !s.state.Active() {
		return
	}
	if !s.ready() {
		s.queue.Push(c)
		return
	}
	if err := s.deps.Engine.AddRemoteCandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("remote candidate rejected")
	}
}

func (s *Session) onLocalCandidate(c signaling.Candidate) {
	if !s.state.Active() || !s.localApplied {
		return
	}
	env := s.envelope(signaling.KindCandidate)
	env.Candidate = &c
	_ = s.send(env)
}

func (s *Session) onConnectivity(c core.Connectivity) {
	if !s.state.Active() {
		return
	}
	s.log.Debug().Str("ice", c.String()).Msg("connectivity")
	switch c {
	case core.ConnectivityConnected:
		if s.state != Connecting {
			return
		}
		stopTimer(&s.connectTimer)
		if s.connectedAt.IsZero() {
			s.connectedAt = s.now()
		}
		if s.transition(Connected) {
			s.armTick()
		}
	case core.ConnectivityFailed:
		if s.state != Connecting && s.state != Connected {
			return
		}
		s.sendEnd()
		s.fail(fmt.Errorf("%w: connectivity failed", ErrNetwork))
	}
}

func (s *Session) onRemoteTrack(ev core.RemoteTrackEvent) {
	if !s.state.Active() {
		return
	}
	if ev.Removed {
		delete(s.remote, ev.Track.ID)
	} else {
		s.remote[ev.Track.ID] = ev.Track
	}
	s.notify()
}

func (s *Session) onRingTimeout() {
	switch s.state {
	case Calling:
		if s.announced {
			s.sendEnd()
		}
		s.terminate(Failed, ErrTimeout)
	case Ringing:
		s.sendDecline(signaling.ReasonTimeout)
		s.terminate(Failed, ErrTimeout)
	}
}

func (s *Session) onConnectTimeout() {
	if s.state != Connecting {
		return
	}
	s.sendEnd()
	s.fail(fmt.Errorf("%w: %w", ErrNetwork, ErrTimeout))
}

func (s *Session) envelope(kind signaling.Kind) signaling.Envelope {
	return signaling.Envelope{
		Kind:        kind,
		SessionID:   s.id,
		ChannelRef:  s.channel,
		SenderID:    s.deps.Self,
		RecipientID: s.peer,
		SentAt:      s.now(),
	}
}

func (s *Session) send(env signaling.Envelope) error {
	if err := s.deps.Channel.Send(s.parent, env); err != nil {
		s.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("send failed")
		return fmt.Errorf("%w: send %s: %v", ErrNetwork, env.Kind, err)
	}
	return nil
}

func (s *Session) sendEnd() {
	_ = s.send(s.envelope(signaling.KindEnd))
}

func (s *Session) sendDecline(reason signaling.Reason) {
	env := s.envelope(signaling.KindDecline)
	env.Reason = reason
	_ = s.send(env)
}

// Package rtc implements the call media engine on pion/webrtc with trickle ICE.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrForeignTrack = errors.New("track was not captured by this engine")

// Engine is one call's PeerConnection plus the local tracks published on it.
type Engine struct {
	pc       *webrtc.PeerConnection
	sid      domain.SessionID
	capturer Capturer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	senders  map[core.TrackKind]*webrtc.RTPSender
	tracks   map[core.TrackKind]*LocalTrack
	onCand   func(signaling.Candidate)
	onConn   func(core.Connectivity)
	onRemote func(core.RemoteTrackEvent)
}

func NewEngine(ctx context.Context, api *webrtc.API, cfg webrtc.Configuration, capturer Capturer, sid domain.SessionID) (*Engine, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		pc:       pc,
		sid:      sid,
		capturer: capturer,
		logger:   log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		senders:  make(map[core.TrackKind]*webrtc.RTPSender),
		tracks:   make(map[core.TrackKind]*LocalTrack),
	}
	e.bind()
	return e, nil
}

func (e *Engine) bind() {
	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		e.mu.Lock()
		fn := e.onConn
		e.mu.Unlock()
		if fn != nil {
			fn(connectivityOf(s))
		}
	})

	e.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCand
		e.mu.Unlock()
		if fn != nil {
			fn(candidateFromInit(cand.ToJSON()))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger := e.logger.With().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Logger()
		logger.Info().Msg("OnTrack received")

		remote := core.RemoteTrack{ID: track.ID(), Kind: trackKindOf(track.Kind())}
		e.emitRemote(core.RemoteTrackEvent{Track: remote})

		go func() {
			stats := pump(e.ctx, track, &logger)
			logger.Info().Uint64("packets", stats.Packets).Uint64("lost", stats.Lost).Uint64("bytes", stats.Bytes).Msg("remote track ended")
			e.emitRemote(core.RemoteTrackEvent{Track: remote, Removed: true})
		}()
	})
}

func (e *Engine) emitRemote(ev core.RemoteTrackEvent) {
	e.mu.Lock()
	fn := e.onRemote
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *Engine) AcquireLocalTracks(ctx context.Context, kind domain.CallKind) (*core.TrackSet, error) {
	tracks, err := e.capturer.Capture(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]core.LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return core.NewTrackSet(out...), nil
}

func (e *Engine) PublishTracks(set *core.TrackSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range set.Tracks() {
		lt, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("%w: %s", ErrForeignTrack, t.ID())
		}
		sender, err := e.pc.AddTrack(lt.track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.kind, err)
		}
		e.senders[lt.kind] = sender
		e.tracks[lt.kind] = lt
		go e.drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads feedback for a sender so the interceptors run; pion needs this per sender.
func (e *Engine) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				e.logger.Debug().Uint32("ssrc", r.SSRC).Uint8("fraction_lost", r.FractionLost).Uint32("jitter", r.Jitter).Msg("receiver report")
			}
		}
	}
}

func (e *Engine) CreateOffer(context.Context) (signaling.Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	return descriptionOf(offer), nil
}

func (e *Engine) CreateAnswer(context.Context) (signaling.Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	return descriptionOf(answer), nil
}

func (e *Engine) ApplyLocalDescription(d signaling.Description) error {
	return e.pc.SetLocalDescription(sessionDescriptionOf(d))
}

func (e *Engine) ApplyRemoteDescription(d signaling.Description) error {
	return e.pc.SetRemoteDescription(sessionDescriptionOf(d))
}

func (e *Engine) AddRemoteCandidate(c signaling.Candidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (e *Engine) SetMuted(muted bool) error {
	return e.toggle(core.TrackAudio, !muted)
}

func (e *Engine) SetVideoEnabled(enabled bool) error {
	return e.toggle(core.TrackVideo, enabled)
}

// toggle swaps the sender's track for nothing and back, keeping the transceiver negotiated.
func (e *Engine) toggle(kind core.TrackKind, on bool) error {
	e.mu.Lock()
	sender, ok := e.senders[kind]
	track := e.tracks[kind]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if on {
		return sender.ReplaceTrack(track.track)
	}
	return sender.ReplaceTrack(nil)
}

func (e *Engine) Teardown() {
	e.once.Do(func() {
		e.cancel()
		if err := e.pc.Close(); err != nil {
			e.logger.Error().Err(err).Msg("close error")
		} else {
			e.logger.Info().Msg("closed")
		}
	})
}

func (e *Engine) OnLocalCandidate(fn func(signaling.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCand = fn
}

func (e *Engine) OnConnectivity(fn func(core.Connectivity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = fn
}

func (e *Engine) OnRemoteTrack(fn func(core.RemoteTrackEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRemote = fn
}

func connectivityOf(s webrtc.PeerConnectionState) core.Connectivity {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnectivityChecking
	case webrtc.PeerConnectionStateConnected:
		return core.ConnectivityConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnectivityDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnectivityFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnectivityClosed
	default:
		return core.ConnectivityNew
	}
}

func trackKindOf(k webrtc.RTPCodecType) core.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return core.TrackVideo
	}
	return core.TrackAudio
}

func descriptionOf(sd webrtc.SessionDescription) signaling.Description {
	return signaling.Description{Type: sd.Type.String(), SDP: sd.SDP}
}

func sessionDescriptionOf(d signaling.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateFromInit(ci webrtc.ICECandidateInit) signaling.Candidate {
	return signaling.Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

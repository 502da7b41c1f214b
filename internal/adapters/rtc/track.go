package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrDevicesUnavailable = errors.New("device capture not built in")

// LocalTrack is a captured track ready to be added to a PeerConnection.
type LocalTrack struct {
	track webrtc.TrackLocal
	kind  core.TrackKind
	stop  func() error
	once  sync.Once
	err   error
}

func NewLocalTrack(track webrtc.TrackLocal, stop func() error) *LocalTrack {
	kind := core.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	return &LocalTrack{track: track, kind: kind, stop: stop}
}

func (t *LocalTrack) ID() string           { return t.track.ID() }
func (t *LocalTrack) Kind() core.TrackKind { return t.kind }

func (t *LocalTrack) Close() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.err = t.stop()
		}
	})
	return t.err
}

// Capturer opens local media for a call.
type Capturer interface {
	// Configure registers the codecs the capturer produces.
	Configure(m *webrtc.MediaEngine) error
	// Capture opens as many of the tracks kind asks for as it can.
	Capture(ctx context.Context, kind domain.CallKind) ([]*LocalTrack, error)
}

// NewCapturer picks a capturer by name: "synthetic" or "devices".
func NewCapturer(name string) (Capturer, error) {
	switch name {
	case "", "synthetic":
		return SyntheticCapturer{}, nil
	case "devices":
		return newDeviceCapturer()
	}
	return nil, fmt.Errorf("unknown capture mode %q", name)
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameInterval = 20 * time.Millisecond

// SyntheticCapturer produces an Opus silence track. It has no camera, so video calls run audio-only.
type SyntheticCapturer struct{}

func (SyntheticCapturer) Configure(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (SyntheticCapturer) Capture(_ context.Context, kind domain.CallKind) ([]*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicecall",
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameInterval}); err != nil {
					log.Debug().Err(err).Str("module", "rtc").Msg("synthetic write")
				}
			}
		}
	}()

	if kind.HasVideo() {
		log.Info().Str("module", "rtc").Msg("synthetic capture has no video")
	}
	stop := func() error {
		close(done)
		return nil
	}
	return []*LocalTrack{NewLocalTrack(track, stop)}, nil
}

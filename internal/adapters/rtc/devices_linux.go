//go:build linux && mediadevices

package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// deviceCapturer opens the camera and microphone through pion/mediadevices.
type deviceCapturer struct {
	selector *mediadevices.CodecSelector
}

func newDeviceCapturer() (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &deviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *deviceCapturer) Configure(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

type attempt struct {
	video bool
	audio bool
	label string
}

func (d *deviceCapturer) Capture(_ context.Context, kind domain.CallKind) ([]*LocalTrack, error) {
	logger := log.With().Str("module", "rtc.devices").Logger()
	for _, dev := range mediadevices.EnumerateDevices() {
		logger.Debug().Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("media device")
	}

	attempts := []attempt{{false, true, "audio-only"}}
	if kind.HasVideo() {
		// Camera and microphone fail as a unit, so try the smaller sets after the full one.
		attempts = []attempt{
			{true, true, "video+audio"},
			{false, true, "audio-only"},
			{true, false, "video-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes can feed the encoder broken frames.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		var out []*LocalTrack
		for _, t := range stream.GetTracks() {
			t.OnEnded(func(err error) {
				if err != nil {
					logger.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
				}
			})
			out = append(out, NewLocalTrack(t, t.Close))
		}
		logger.Info().Str("attempt", a.label).Int("tracks", len(out)).Msg("local media captured")
		return out, nil
	}
	return nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}

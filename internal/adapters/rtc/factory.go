package rtc

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Factory creates one Engine per call, fetching ICE servers each time.
type Factory struct {
	API      *webrtc.API
	Capturer Capturer
	ICE      *ICEProvider
}

func NewFactory(capturer Capturer, ice *ICEProvider) (*Factory, error) {
	api, err := NewAPI(capturer)
	if err != nil {
		return nil, err
	}
	return &Factory{API: api, Capturer: capturer, ICE: ice}, nil
}

func (f *Factory) NewEngine(ctx context.Context, sid domain.SessionID) (core.MediaEngine, error) {
	cfg := webrtc.Configuration{ICEServers: f.ICE.Servers(ctx)}
	return NewEngine(ctx, f.API, cfg, f.Capturer, sid)
}

package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API with the capturer's codecs and the default NACK/RTCP interceptors.
// tune runs on the setting engine after the defaults are applied.
func NewAPI(capturer Capturer, tune ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := capturer.Configure(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Long disconnect timeout so a short relay hiccup does not fail the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)
	for _, fn := range tune {
		fn(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

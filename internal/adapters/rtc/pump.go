package rtc

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// trackStats counts received packets and the gaps between their sequence numbers.
type trackStats struct {
	Packets uint64
	Lost    uint64
	Bytes   uint64

	started bool
	lastSeq uint16
}

func (s *trackStats) observe(pkt *rtp.Packet) {
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	seq := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.lastSeq = seq
		return
	}
	// uint16 arithmetic wraps around 65535 for free.
	delta := seq - s.lastSeq
	switch {
	case delta == 0:
		return
	case delta < 0x8000:
		s.Lost += uint64(delta - 1)
		s.lastSeq = seq
	default:
		// Late or reordered packet; counted, no gap.
	}
}

// pump drains a remote track until it ends so the interceptors keep producing RTCP feedback.
func pump(ctx context.Context, track *webrtc.TrackRemote, logger *zerolog.Logger) trackStats {
	var stats trackStats
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return stats
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("pump read RTP stopped")
			}
			return stats
		}
		stats.observe(pkt)
	}
}

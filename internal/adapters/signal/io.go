package signal

import (
	"context"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := writePing(c.conn); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, uid domain.UserID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump closing")
		cancel()
		c.Close()
		if ctl.Relay.Registry.Unbind(uid, c) {
			ctl.Relay.Disconnect(uid)
		}
	}()
	keepAlive(c.conn, ctl.PingPeriod)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(uid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(uid domain.UserID, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("bad envelope")
		return
	}
	if err := ctl.Relay.Route(uid, env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("uid", string(uid)).Str("kind", string(env.Kind)).Msg("route failed")
	}
}

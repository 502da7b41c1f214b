package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// pongWait is how long a peer may stay silent before the read deadline expires.
func pongWait(pingPeriod time.Duration) time.Duration {
	return pingPeriod * 10 / 9
}

// keepAlive arms the read deadline and extends it on every pong.
func keepAlive(ws *websocket.Conn, pingPeriod time.Duration) {
	wait := pongWait(pingPeriod)
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
}

func writePing(ws *websocket.Conn) error {
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

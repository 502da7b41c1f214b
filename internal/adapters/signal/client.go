package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("signaling channel not connected")

// Client is the call client's websocket link to the relay. Run keeps it connected.
type Client struct {
	URL       string
	User      domain.UserID
	Handler   core.SignalHandler
	Dialer    *websocket.Dialer
	Reconnect time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("user", string(c.User))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials the relay and redials after every disconnect until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wait := c.Reconnect
	if wait <= 0 {
		wait = 2 * time.Second
	}
	logger := log.With().Str("module", "signal.client").Str("user", string(c.User)).Logger()

	for {
		if c.isClosed() {
			return nil
		}
		ws, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			logger.Warn().Err(err).Str("url", c.URL).Msg("dial failed")
		} else {
			c.serve(ctx, ws)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	logger := log.With().Str("module", "signal.client").Str("user", string(c.User)).Logger()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.conn = ws
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	logger.Info().Msg("connected")
	c.Handler.OnChannelState(true)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !c.isClosed() && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("connection lost")
			}
			break
		}
		env, err := signaling.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("bad envelope")
			continue
		}
		if !env.Kind.Inbound() {
			logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected kind")
			continue
		}
		c.Handler.OnSignal(env)
	}

	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
	c.Handler.OnChannelState(false)
}

// Send writes env in order with the other sends. It fails fast while disconnected.
func (c *Client) Send(ctx context.Context, env signaling.Envelope) error {
	frame, err := signaling.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
}

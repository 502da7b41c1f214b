package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
	"github.com/gin-gonic/gin"
)

type recorder struct {
	signals chan signaling.Envelope
	states  chan bool
}

func newRecorder() *recorder {
	return &recorder{signals: make(chan signaling.Envelope, 16), states: make(chan bool, 16)}
}

func (r *recorder) OnSignal(env signaling.Envelope) { r.signals <- env }
func (r *recorder) OnChannelState(up bool)         { r.states <- up }

func (r *recorder) next(t *testing.T) signaling.Envelope {
	t.Helper()
	select {
	case env := <-r.signals:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return signaling.Envelope{}
	}
}

func (r *recorder) waitState(t *testing.T, want bool) {
	t.Helper()
	select {
	case up := <-r.states:
		if up != want {
			t.Fatalf("channel state = %v, want %v", up, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no channel state change to %v", want)
	}
}

func newRelayServer(t *testing.T, limiter app.Limiter) (*httptest.Server, *app.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{}, limiter)
	ctl := NewSignalWSController(relay, config.RelayConfig{PingPeriod: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws/signal", func(c *gin.Context) {
		c.Set("user_id", c.Query("user"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, relay
}

func dial(t *testing.T, srv *httptest.Server, user domain.UserID) (*Client, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := &Client{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal",
		User:      user,
		Handler:   rec,
		Reconnect: 50 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	rec.waitState(t, true)
	return c, rec
}

func waitOnline(t *testing.T, relay *app.Relay, uid domain.UserID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !relay.Registry.Online(uid) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", uid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func offer(from, to domain.UserID) signaling.Envelope {
	return signaling.Envelope{
		Kind:        signaling.KindRequest,
		SessionID:   "s1",
		SenderID:    from,
		RecipientID: to,
		SentAt:      time.Now(),
		CallKind:    domain.KindVoice,
		Description: &signaling.Description{Type: "offer", SDP: "v=0"},
	}
}

func TestRelayRoutesBetweenClients(t *testing.T) {
	srv, relay := newRelayServer(t, nil)
	alice, aliceRec := dial(t, srv, "alice")
	_, bobRec := dial(t, srv, "bob")
	waitOnline(t, relay, "alice")
	waitOnline(t, relay, "bob")

	if err := alice.Send(context.Background(), offer("alice", "bob")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := bobRec.next(t)
	if in.Kind != signaling.KindIncoming || in.SenderID != "alice" || in.Description.SDP != "v=0" {
		t.Errorf("bob got %+v", in)
	}
	if ack := aliceRec.next(t); ack.Kind != signaling.KindRinging || ack.SenderID != "bob" {
		t.Errorf("alice got %+v", ack)
	}
}

func TestRelayReportsDisconnectedPeer(t *testing.T) {
	srv, relay := newRelayServer(t, nil)
	alice, aliceRec := dial(t, srv, "alice")
	bob, bobRec := dial(t, srv, "bob")
	waitOnline(t, relay, "alice")
	waitOnline(t, relay, "bob")

	if err := alice.Send(context.Background(), offer("alice", "bob")); err != nil {
		t.Fatal(err)
	}
	bobRec.next(t)
	aliceRec.next(t)

	bob.Close()
	status := aliceRec.next(t)
	if status.Kind != signaling.KindPeerStatus || status.Status != signaling.StatusOffline || status.SenderID != "bob" {
		t.Errorf("alice got %+v", status)
	}
}

func TestRelayRateLimitsRequests(t *testing.T) {
	srv, relay := newRelayServer(t, NewCallRateLimiter(1, time.Minute))
	alice, aliceRec := dial(t, srv, "alice")
	_, bobRec := dial(t, srv, "bob")
	waitOnline(t, relay, "alice")
	waitOnline(t, relay, "bob")

	ctx := context.Background()
	if err := alice.Send(ctx, offer("alice", "bob")); err != nil {
		t.Fatal(err)
	}
	bobRec.next(t)
	aliceRec.next(t)

	if err := alice.Send(ctx, offer("alice", "bob")); err != nil {
		t.Fatal(err)
	}
	got := aliceRec.next(t)
	if got.Kind != signaling.KindDeclined || got.Reason != signaling.ReasonUnavailable {
		t.Errorf("alice got %+v", got)
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := &Client{URL: "ws://127.0.0.1:1/ws", User: "alice", Handler: newRecorder()}
	if err := c.Send(context.Background(), offer("alice", "bob")); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestCallRateLimiterWindow(t *testing.T) {
	rl := NewCallRateLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two requests denied")
	}
	if rl.Allow("alice") {
		t.Error("third request allowed inside the window")
	}
	if !rl.Allow("bob") {
		t.Error("limit leaked across users")
	}
	now = now.Add(61 * time.Second)
	if !rl.Allow("alice") {
		t.Error("request denied after the window passed")
	}
}

package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// fakeScheduler runs posts inline and holds timers and async work until the test releases them.
type fakeScheduler struct {
	timers  []*fakeTimer
	pending []func() func()
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeScheduler) Go(work func() func()) { f.pending = append(f.pending, work) }

func (f *fakeScheduler) Post(fn func()) { fn() }

// fire runs every live timer armed with d before the call.
func (f *fakeScheduler) fire(d time.Duration) int {
	due := make([]*fakeTimer, 0)
	for _, t := range f.timers {
		if t.d == d && !t.stopped && !t.fired {
			due = append(due, t)
		}
	}
	for _, t := range due {
		t.fired = true
		t.fn()
	}
	return len(due)
}

func (f *fakeScheduler) live(d time.Duration) int {
	n := 0
	for _, t := range f.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (f *fakeScheduler) runPending() {
	work := f.pending
	f.pending = nil
	for _, w := range work {
		w()()
	}
}

type fakeTrack struct {
	id     string
	kind   core.TrackKind
	closed int
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) Close() error {
	t.closed++
	return nil
}

type fakeEngine struct {
	tracks     []*fakeTrack
	acquireErr error
	remoteErr  error
	publishErr error

	calls      []string
	candidates []signaling.Candidate
	acquired   []*core.TrackSet
	teardowns  int
	muted      bool
	videoOff   bool

	onCand  func(signaling.Candidate)
	onConn  func(core.Connectivity)
	onTrack func(core.RemoteTrackEvent)
}

func newFakeEngine(kinds ...core.TrackKind) *fakeEngine {
	e := &fakeEngine{}
	for i, k := range kinds {
		e.tracks = append(e.tracks, &fakeTrack{id: fmt.Sprintf("%s-%d", k, i), kind: k})
	}
	return e
}

func (e *fakeEngine) AcquireLocalTracks(ctx context.Context, kind domain.CallKind) (*core.TrackSet, error) {
	e.calls = append(e.calls, "acquire")
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	tracks := make([]core.LocalTrack, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	ts := core.NewTrackSet(tracks...)
	e.acquired = append(e.acquired, ts)
	return ts, nil
}

func (e *fakeEngine) PublishTracks(ts *core.TrackSet) error {
	e.calls = append(e.calls, "publish")
	return e.publishErr
}

func (e *fakeEngine) CreateOffer(context.Context) (signaling.Description, error) {
	e.calls = append(e.calls, "offer")
	return signaling.Description{Type: "offer", SDP: "local-offer"}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (signaling.Description, error) {
	e.calls = append(e.calls, "answer")
	return signaling.Description{Type: "answer", SDP: "local-answer"}, nil
}

func (e *fakeEngine) ApplyLocalDescription(d signaling.Description) error {
	e.calls = append(e.calls, "local:"+d.Type)
	return nil
}

func (e *fakeEngine) ApplyRemoteDescription(d signaling.Description) error {
	e.calls = append(e.calls, "remote:"+d.Type)
	return e.remoteErr
}

func (e *fakeEngine) AddRemoteCandidate(c signaling.Candidate) error {
	e.calls = append(e.calls, "cand:"+c.Candidate)
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) SetMuted(m bool) error {
	e.muted = m
	return nil
}

func (e *fakeEngine) SetVideoEnabled(v bool) error {
	e.videoOff = !v
	return nil
}

func (e *fakeEngine) Teardown() { e.teardowns++ }

func (e *fakeEngine) OnLocalCandidate(fn func(signaling.Candidate)) { e.onCand = fn }
func (e *fakeEngine) OnConnectivity(fn func(core.Connectivity))     { e.onConn = fn }
func (e *fakeEngine) OnRemoteTrack(fn func(core.RemoteTrackEvent))  { e.onTrack = fn }

func (e *fakeEngine) count(call string) int {
	n := 0
	for _, c := range e.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	sent []signaling.Envelope
	err  error
}

func (c *fakeChannel) Send(_ context.Context, env signaling.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Close() {}

func (c *fakeChannel) kinds() []signaling.Kind {
	out := make([]signaling.Kind, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Kind)
	}
	return out
}

func (c *fakeChannel) last() signaling.Envelope {
	if len(c.sent) == 0 {
		return signaling.Envelope{}
	}
	return c.sent[len(c.sent)-1]
}

type stubTokens struct{}

func (stubTokens) Mint(ch domain.ChannelRef, _ domain.UserID) (string, error) {
	return "tok-" + string(ch), nil
}

func (stubTokens) Verify(tok string, ch domain.ChannelRef) error {
	if tok != "tok-"+string(ch) {
		return errors.New("bad token")
	}
	return nil
}

var testCfg = Config{RingTimeout: 30 * time.Second, ConnectTimeout: 10 * time.Second, Tick: time.Second}

type harness struct {
	t         *testing.T
	s         *Session
	eng       *fakeEngine
	ch        *fakeChannel
	sched     *fakeScheduler
	snaps     []Snapshot
	terminals int
	clock     time.Time
}

func newHarness(t *testing.T, eng *fakeEngine) *harness {
	return &harness{
		t:     t,
		eng:   eng,
		ch:    &fakeChannel{},
		sched: &fakeScheduler{},
		clock: time.Unix(1700000000, 0),
	}
}

func (h *harness) deps(self domain.UserID) Deps {
	return Deps{
		Self:       self,
		Channel:    h.ch,
		Engine:     h.eng,
		Scheduler:  h.sched,
		Tokens:     stubTokens{},
		Now:        func() time.Time { return h.clock },
		OnChange:   func(s Snapshot) { h.snaps = append(h.snaps, s) },
		OnTerminal: func(*Session) { h.terminals++ },
	}
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func newCaller(t *testing.T, kind domain.CallKind, eng *fakeEngine) *harness {
	t.Helper()
	h := newHarness(t, eng)
	s, err := NewOutgoing(context.Background(), h.deps("alice"), testCfg, "sess-out", "bob", kind)
	if err != nil {
		t.Fatalf("NewOutgoing() error: %v", err)
	}
	h.s = s
	s.Begin()
	return h
}

func incoming(sid domain.SessionID, kind domain.CallKind) signaling.Envelope {
	ch := domain.ChannelFor(sid)
	return signaling.Envelope{
		Kind:        signaling.KindIncoming,
		SessionID:   sid,
		ChannelRef:  ch,
		SenderID:    "alice",
		RecipientID: "bob",
		CallKind:    kind,
		MediaToken:  "tok-" + string(ch),
		Description: &signaling.Description{Type: "offer", SDP: "remote-offer"},
	}
}

func newCallee(t *testing.T, kind domain.CallKind, eng *fakeEngine) *harness {
	t.Helper()
	h := newHarness(t, eng)
	s, err := NewIncoming(context.Background(), h.deps("bob"), testCfg, incoming("sess-1", kind))
	if err != nil {
		t.Fatalf("NewIncoming() error: %v", err)
	}
	h.s = s
	s.Begin()
	return h
}

// from builds an inbound envelope from the session's peer.
func (h *harness) from(kind signaling.Kind) signaling.Envelope {
	return signaling.Envelope{
		Kind:        kind,
		SessionID:   h.s.ID(),
		SenderID:    h.s.Peer(),
		RecipientID: h.s.deps.Self,
	}
}

func (h *harness) signal(kind signaling.Kind, mutate func(*signaling.Envelope)) error {
	env := h.from(kind)
	if mutate != nil {
		mutate(&env)
	}
	return h.s.HandleSignal(env)
}

func (h *harness) candidate(name string) error {
	return h.signal(signaling.KindCandidate, func(e *signaling.Envelope) {
		e.Candidate = &signaling.Candidate{Candidate: name}
	})
}

func (h *harness) answered() error {
	return h.signal(signaling.KindAnswered, func(e *signaling.Envelope) {
		e.Description = &signaling.Description{Type: "answer", SDP: "remote-answer"}
	})
}

func (h *harness) wantState(want State) {
	h.t.Helper()
	if got := h.s.State(); got != want {
		h.t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) lastSnap() Snapshot {
	if len(h.snaps) == 0 {
		return Snapshot{}
	}
	return h.snaps[len(h.snaps)-1]
}

// connect drives a caller through answer and ICE success.
func (h *harness) connect() {
	h.t.Helper()
	h.sched.runPending()
	if err := h.answered(); err != nil {
		h.t.Fatalf("answered: %v", err)
	}
	h.eng.onConn(core.ConnectivityConnected)
	h.wantState(Connected)
}

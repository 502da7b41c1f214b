package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/call"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/history"
	"github.com/dkeye/VoiceCall/internal/signaling"
)

type fakeTimer struct {
	d    time.Duration
	fn   func()
	dead bool
}

type fakeScheduler struct {
	o *Orchestrator

	mu      sync.Mutex
	timers  []*fakeTimer
	pending []func() func()
}

type fakeTimerHandle struct {
	s *fakeScheduler
	t *fakeTimer
}

func (h fakeTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	live := !h.t.dead
	h.t.dead = true
	return live
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) call.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return fakeTimerHandle{s: f, t: t}
}

func (f *fakeScheduler) Go(work func() func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, work)
}

func (f *fakeScheduler) Post(fn func()) { f.o.post(fn) }

// fire runs every live timer armed with d on the loop.
func (f *fakeScheduler) fire(t *testing.T, d time.Duration) int {
	t.Helper()
	f.mu.Lock()
	var due []*fakeTimer
	for _, tm := range f.timers {
		if tm.d == d && !tm.dead {
			tm.dead = true
			due = append(due, tm)
		}
	}
	f.mu.Unlock()
	for _, tm := range due {
		if err := f.o.do(context.Background(), tm.fn); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	return len(due)
}

// runPending completes every outstanding acquisition on the loop.
func (f *fakeScheduler) runPending(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	work := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, w := range work {
		cont := w()
		if err := f.o.do(context.Background(), cont); err != nil {
			t.Fatalf("runPending: %v", err)
		}
	}
}

type fakeTrack struct {
	id   string
	kind core.TrackKind

	mu     sync.Mutex
	closed int
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeEngine struct {
	sid    domain.SessionID
	tracks []*fakeTrack

	mu            sync.Mutex
	localApplied  bool
	remoteApplied bool
	teardowns     int
	onConn        func(core.Connectivity)
}

func (e *fakeEngine) AcquireLocalTracks(context.Context, domain.CallKind) (*core.TrackSet, error) {
	tracks := make([]core.LocalTrack, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	return core.NewTrackSet(tracks...), nil
}

func (e *fakeEngine) PublishTracks(*core.TrackSet) error { return nil }

func (e *fakeEngine) CreateOffer(context.Context) (signaling.Description, error) {
	return signaling.Description{Type: "offer", SDP: "offer-" + string(e.sid)}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (signaling.Description, error) {
	return signaling.Description{Type: "answer", SDP: "answer-" + string(e.sid)}, nil
}

func (e *fakeEngine) ApplyLocalDescription(signaling.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localApplied = true
	return nil
}

func (e *fakeEngine) ApplyRemoteDescription(signaling.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteApplied = true
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(signaling.Candidate) error { return nil }
func (e *fakeEngine) SetMuted(bool) error                          { return nil }
func (e *fakeEngine) SetVideoEnabled(bool) error                   { return nil }

func (e *fakeEngine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardowns++
}

func (e *fakeEngine) OnLocalCandidate(func(signaling.Candidate)) {}
func (e *fakeEngine) OnConnectivity(fn func(core.Connectivity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = fn
}
func (e *fakeEngine) OnRemoteTrack(func(core.RemoteTrackEvent)) {}

func (e *fakeEngine) emit(c core.Connectivity) {
	e.mu.Lock()
	fn := e.onConn
	e.mu.Unlock()
	fn(c)
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) NewEngine(_ context.Context, sid domain.SessionID) (core.MediaEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{sid: sid, tracks: []*fakeTrack{{id: "mic-" + string(sid), kind: core.TrackAudio}}}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []signaling.Envelope
}

func (c *recordingChannel) Send(_ context.Context, env signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingChannel) Close() {}

func (c *recordingChannel) all() []signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *recordingChannel) last() signaling.Envelope {
	all := c.all()
	if len(all) == 0 {
		return signaling.Envelope{}
	}
	return all[len(all)-1]
}

const testLinger = 2 * time.Second

var testCallCfg = call.Config{RingTimeout: 30 * time.Second, ConnectTimeout: 10 * time.Second, Tick: time.Second}

type rig struct {
	o       *Orchestrator
	sched   *fakeScheduler
	media   *fakeFactory
	history *history.MemoryStore
}

func newRig(t *testing.T, self domain.UserID, ch core.SignalChannel) *rig {
	t.Helper()
	r := &rig{
		sched:   &fakeScheduler{},
		media:   &fakeFactory{},
		history: history.NewMemoryStore(50),
	}
	r.o = &Orchestrator{
		Self:      self,
		Channel:   ch,
		Media:     r.media,
		History:   r.history,
		Call:      testCallCfg,
		Linger:    testLinger,
		Scheduler: r.sched,
	}
	r.sched.o = r.o
	r.o.Start(context.Background())
	t.Cleanup(r.o.Close)
	return r
}

// sync waits until everything posted so far has run.
func (r *rig) sync(t *testing.T) {
	t.Helper()
	if err := r.o.do(context.Background(), func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (r *rig) wantState(t *testing.T, want call.State) call.Snapshot {
	t.Helper()
	r.sync(t)
	snap, _ := r.o.CurrentSnapshot()
	if snap.State != want {
		t.Fatalf("%s state = %s, want %s", r.o.Self, snap.State, want)
	}
	return snap
}

func incomingFrom(sender domain.UserID, sid domain.SessionID) signaling.Envelope {
	return signaling.Envelope{
		Kind:        signaling.KindIncoming,
		SessionID:   sid,
		ChannelRef:  domain.ChannelFor(sid),
		SenderID:    sender,
		RecipientID: "bob",
		SentAt:      time.Now(),
		CallKind:    domain.KindVoice,
		Description: &signaling.Description{Type: "offer", SDP: "v=0"},
	}
}

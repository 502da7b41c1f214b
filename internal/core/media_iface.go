package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/signaling"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is a captured device track owned by one call session.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Close() error
}

// TrackSet owns the local tracks of a session. Close releases them once.
type TrackSet struct {
	tracks []LocalTrack
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func NewTrackSet(tracks ...LocalTrack) *TrackSet {
	return &TrackSet{tracks: tracks}
}

func (ts *TrackSet) Tracks() []LocalTrack {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]LocalTrack, len(ts.tracks))
	copy(out, ts.tracks)
	return out
}

func (ts *TrackSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tracks)
}

func (ts *TrackSet) has(kind TrackKind) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (ts *TrackSet) HasAudio() bool { return ts.has(TrackAudio) }
func (ts *TrackSet) HasVideo() bool { return ts.has(TrackVideo) }

func (ts *TrackSet) Closed() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.closed
}

// Close stops every track. Subsequent calls are no-ops.
func (ts *TrackSet) Close() error {
	var firstErr error
	ts.once.Do(func() {
		ts.mu.Lock()
		ts.closed = true
		tracks := ts.tracks
		ts.mu.Unlock()
		for _, t := range tracks {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s track %s: %w", t.Kind(), t.ID(), err)
			}
		}
	})
	return firstErr
}

// RemoteTrack is a presence marker; the session never owns remote media.
type RemoteTrack struct {
	ID   string    `json:"id"`
	Kind TrackKind `json:"kind"`
}

type RemoteTrackEvent struct {
	Track   RemoteTrack
	Removed bool
}

type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return fmt.Sprintf("Connectivity(%d)", int(c))
	}
}

// MediaEngine is one peer connection plus its local capture.
// Event hooks may fire on arbitrary goroutines.
type MediaEngine interface {
	// AcquireLocalTracks opens capture devices for kind. It may block.
	AcquireLocalTracks(ctx context.Context, kind domain.CallKind) (*TrackSet, error)
	// PublishTracks attaches acquired tracks to the connection.
	PublishTracks(ts *TrackSet) error

	CreateOffer(ctx context.Context) (signaling.Description, error)
	CreateAnswer(ctx context.Context) (signaling.Description, error)
	ApplyLocalDescription(d signaling.Description) error
	ApplyRemoteDescription(d signaling.Description) error
	AddRemoteCandidate(c signaling.Candidate) error

	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
	// Teardown closes the connection. Safe to call more than once.
	Teardown()

	OnLocalCandidate(func(signaling.Candidate))
	OnConnectivity(func(Connectivity))
	OnRemoteTrack(func(RemoteTrackEvent))
}

// MediaFactory creates a fresh engine per call session.
type MediaFactory interface {
	NewEngine(ctx context.Context, sid domain.SessionID) (MediaEngine, error)
}

package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/call"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/history"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// snapshotView is the JSON shape of a call snapshot.
type snapshotView struct {
	Active        bool               `json:"active"`
	SessionID     domain.SessionID   `json:"sessionId,omitempty"`
	State         string             `json:"state"`
	Kind          domain.CallKind    `json:"kind,omitempty"`
	Role          string             `json:"role,omitempty"`
	PeerID        domain.UserID      `json:"peerId,omitempty"`
	DurationSec   int64              `json:"durationSec"`
	Muted         bool               `json:"muted"`
	VideoEnabled  bool               `json:"videoEnabled"`
	RemoteRinging bool               `json:"remoteRinging"`
	Tone          call.Tone          `json:"tone"`
	RemoteTracks  []core.RemoteTrack `json:"remoteTracks,omitempty"`
	Error         string             `json:"error,omitempty"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	ConnectedAt   *time.Time         `json:"connectedAt,omitempty"`
	EndedAt       *time.Time         `json:"endedAt,omitempty"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewOf(snap call.Snapshot, active bool) snapshotView {
	v := snapshotView{
		Active:        active,
		SessionID:     snap.SessionID,
		State:         snap.State.String(),
		Kind:          snap.Kind,
		PeerID:        snap.PeerID,
		DurationSec:   int64(snap.Duration / time.Second),
		Muted:         snap.Muted,
		VideoEnabled:  snap.VideoEnabled,
		RemoteRinging: snap.RemoteRinging,
		Tone:          snap.Tone,
		RemoteTracks:  snap.RemoteTracks,
		StartedAt:     timeOrNil(snap.StartedAt),
		ConnectedAt:   timeOrNil(snap.ConnectedAt),
		EndedAt:       timeOrNil(snap.EndedAt),
	}
	if snap.SessionID != "" {
		v.Role = snap.Role.String()
	}
	if snap.Error != nil {
		v.Error = snap.Error.Error()
	}
	return v
}

type historyView struct {
	SessionID   domain.SessionID `json:"sessionId"`
	PeerID      domain.UserID    `json:"peerId"`
	Kind        domain.CallKind  `json:"kind"`
	Role        string           `json:"role"`
	Outcome     string           `json:"outcome"`
	Reason      string           `json:"reason,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     time.Time        `json:"endedAt"`
	DurationSec int64            `json:"durationSec"`
}

func historyViewOf(r history.Record) historyView {
	return historyView{
		SessionID:   r.SessionID,
		PeerID:      r.PeerID,
		Kind:        r.Kind,
		Role:        r.Role,
		Outcome:     r.Outcome,
		Reason:      r.Reason,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		DurationSec: int64(r.Duration / time.Second),
	}
}

type startRequest struct {
	Peer string `json:"peer" binding:"required"`
	Kind string `json:"kind"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type muteRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Muted     bool   `json:"muted"`
}

type videoRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Enabled   bool   `json:"enabled"`
}

var errBadPayload = errors.New("bad payload")

// statusOf maps call errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadPayload),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong),
		errors.Is(err, domain.ErrUnknownCallKind):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrInvalidAction):
		return http.StatusConflict
	case errors.Is(err, call.ErrNetwork), errors.Is(err, orch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("call api error")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// CallAPI exposes the orchestrator to a local UI.
type CallAPI struct {
	Orch *orch.Orchestrator
}

func (a *CallAPI) current(c *gin.Context) {
	snap, active := a.Orch.CurrentSnapshot()
	c.JSON(http.StatusOK, viewOf(snap, active))
}

func (a *CallAPI) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Join(errBadPayload, err))
		return
	}
	peer, err := domain.ParseUserID(req.Peer)
	if err != nil {
		abortWith(c, err)
		return
	}
	if req.Kind == "" {
		req.Kind = string(domain.KindVoice)
	}
	kind, err := domain.ParseCallKind(req.Kind)
	if err != nil {
		abortWith(c, err)
		return
	}
	h, err := a.Orch.StartCall(c.Request.Context(), peer, kind)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

// action binds a sessionId body and runs fn for it.
func (a *CallAPI) action(fn func(ctx context.Context, sid domain.SessionID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWith(c, errors.Join(errBadPayload, err))
			return
		}
		if err := fn(c.Request.Context(), domain.SessionID(req.SessionID)); err != nil {
			abortWith(c, err)
			return
		}
		a.current(c)
	}
}

func (a *CallAPI) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Join(errBadPayload, err))
		return
	}
	if err := a.Orch.SetMuted(c.Request.Context(), domain.SessionID(req.SessionID), req.Muted); err != nil {
		abortWith(c, err)
		return
	}
	a.current(c)
}

func (a *CallAPI) video(c *gin.Context) {
	var req videoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Join(errBadPayload, err))
		return
	}
	if err := a.Orch.SetVideoEnabled(c.Request.Context(), domain.SessionID(req.SessionID), req.Enabled); err != nil {
		abortWith(c, err)
		return
	}
	a.current(c)
}

func (a *CallAPI) history(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			abortWith(c, errBadPayload)
			return
		}
		limit = n
	}
	recs, err := a.Orch.Recent(c.Request.Context(), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	out := make([]historyView, 0, len(recs))
	for _, r := range recs {
		out = append(out, historyViewOf(r))
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes every snapshot to a websocket until the client goes away.
func (a *CallAPI) stream(c *gin.Context) {
	ws, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	defer ws.Close()

	updates, cancel := a.Orch.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_, active := a.Orch.CurrentSnapshot()
			if snap.State == call.Idle {
				active = false
			}
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(viewOf(snap, active)); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("stream write")
				return
			}
		}
	}
}

// SetupClientRouter serves the call control API and the static UI.
func SetupClientRouter(cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	r := newEngine(cfg.Mode)

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	a := &CallAPI{Orch: o}
	api := r.Group("/api")
	api.GET("/call", a.current)
	api.POST("/call/start", a.start)
	api.POST("/call/accept", a.action(o.Accept))
	api.POST("/call/decline", a.action(o.Decline))
	api.POST("/call/hangup", a.action(o.Hangup))
	api.POST("/call/mute", a.mute)
	api.POST("/call/video", a.video)
	api.GET("/call/history", a.history)
	api.GET("/ws/call", a.stream)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("client router setup")
	return r
}

package http

import (
	"context"
	"net/http"

	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	"github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const userKey = "user_id"

// UserMiddleware remembers the user named by ?user= in the session cookie
// and exposes it to handlers as the "user_id" context key.
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		if q := c.Query("user"); q != "" {
			uid, err := domain.ParseUserID(q)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if sess.Get(userKey) != string(uid) {
				sess.Set(userKey, string(uid))
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
				}
			}
		}
		if uid, ok := sess.Get(userKey).(string); ok {
			c.Set(userKey, uid)
		}
		c.Next()
	}
}

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// SetupRelayRouter serves the signaling websocket, ICE servers and presence.
func SetupRelayRouter(ctx context.Context, cfg *config.Config, relay *app.Relay, ice []webrtc.ICEServer) *gin.Engine {
	r := newEngine(cfg.Mode)

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(cfg.Relay.SessionKey, store))
	r.Use(UserMiddleware())

	ctrl := signal.NewSignalWSController(relay, cfg.Relay)
	log.Info().Str("module", "adapters.http").Int("ice_servers", len(ice)).Msg("relay router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("uid", c.GetString(userKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/ice", func(c *gin.Context) {
		c.JSON(http.StatusOK, rtc.ICEList{ICEServers: ice})
	})

	api.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": relay.Registry.Users()})
	})

	api.GET("/whoami", func(c *gin.Context) {
		uid := c.GetString(userKey)
		if uid == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": uid, "online": relay.Registry.Online(domain.UserID(uid))})
	})

	return r
}

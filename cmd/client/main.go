package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoiceCall/internal/adapters/http"
	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	ws "github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/call"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/history"
	"github.com/dkeye/VoiceCall/internal/token"
)

func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Path == "" {
		return history.NewMemoryStore(cfg.Limit), nil
	}
	return history.OpenSQLite(cfg.Path, cfg.Limit)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg.LogLevel)
	config.Watch(config.FileName())

	self, err := domain.ParseUserID(cfg.UserID)
	if err != nil {
		self = domain.NewUserID()
		log.Warn().Err(err).Str("user", string(self)).Msg("no user_id configured, generated one")
	}

	capturer, err := rtc.NewCapturer(cfg.Media.Capture)
	if err != nil {
		log.Fatal().Err(err).Str("capture", cfg.Media.Capture).Msg("media capture")
	}
	ice := &rtc.ICEProvider{URL: cfg.Media.ICEServersURL, Fallback: rtc.StaticICE(cfg.Media.STUN)}
	media, err := rtc.NewFactory(capturer, ice)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	store, err := openHistory(cfg.History)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.History.Path).Msg("history store")
	}
	defer store.Close()

	client := &ws.Client{
		URL:       cfg.Signal.URL,
		User:      self,
		Reconnect: cfg.Signal.Reconnect,
	}

	o := &orch.Orchestrator{
		Self:    self,
		Channel: client,
		Media:   media,
		History: store,
		Call: call.Config{
			RingTimeout:    cfg.Call.RingTimeout,
			ConnectTimeout: cfg.Call.ConnectTimeout,
			Tick:           cfg.Call.Tick,
		},
		Linger: cfg.Call.Linger,
	}
	if cfg.Token.Secret != "" {
		o.Tokens = token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	}
	client.Handler = o
	o.Start(ctx)
	// Until the first dial succeeds the channel counts as down.
	o.ChannelDown()

	go func() {
		if err := client.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("signal client stopped")
		}
	}()

	r := router.SetupClientRouter(cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self)).Msg("VoiceCall client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	o.Close()
	client.Close()
	log.Info().Msg("Client exited gracefully")
}

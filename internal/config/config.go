package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	UserID     string `mapstructure:"user_id"`
	StaticPath string `mapstructure:"static_path"`
	// Secret signs the relay's session cookie.
	Secret string `mapstructure:"secret"`

	Signal  SignalConfig  `mapstructure:"signal"`
	Call    CallConfig    `mapstructure:"call"`
	Media   MediaConfig   `mapstructure:"media"`
	Token   TokenConfig   `mapstructure:"token"`
	History HistoryConfig `mapstructure:"history"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

type SignalConfig struct {
	URL       string        `mapstructure:"url"`
	Reconnect time.Duration `mapstructure:"reconnect"`
}

type CallConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Linger         time.Duration `mapstructure:"linger"`
	Tick           time.Duration `mapstructure:"tick"`
}

type MediaConfig struct {
	// Capture is "synthetic" or "devices".
	Capture       string   `mapstructure:"capture"`
	ICEServersURL string   `mapstructure:"ice_servers_url"`
	STUN          []string `mapstructure:"stun"`
}

type TokenConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type HistoryConfig struct {
	// Path empty keeps history in memory.
	Path  string `mapstructure:"path"`
	Limit int    `mapstructure:"limit"`
}

type RelayConfig struct {
	// Port is where cmd/relay listens; the top-level port is the client API.
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	SessionKey   string        `mapstructure:"session_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("user_id", "")
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")

	v.SetDefault("signal.url", "ws://localhost:8090/api/ws/signal")
	v.SetDefault("signal.reconnect", "2s")

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.connect_timeout", "20s")
	v.SetDefault("call.linger", "2s")
	v.SetDefault("call.tick", "1s")

	v.SetDefault("media.capture", "synthetic")
	v.SetDefault("media.stun", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("token.ttl", "10m")

	v.SetDefault("history.limit", 50)

	v.SetDefault("relay.port", 8090)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.rate_limit", 5)
	v.SetDefault("relay.rate_interval", "10s")
	v.SetDefault("relay.session_key", "voicecall-relay")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VOICECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml. A missing file falls back to defaults.
func Load() (*Config, error) {
	cfg, _, err := load(FileName())
	return cfg, err
}

func load(fileName string) (*Config, *viper.Viper, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 50
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("user", cfg.UserID).Msg("config ready")
	return &cfg, v, nil
}

// ApplyLogLevel sets the zerolog global level, keeping the current one on a bad value.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		log.Warn().Str("module", "config").Str("level", level).Msg("unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// Watch reloads the log level whenever the config file changes.
func Watch(fileName string) {
	_, v, err := load(fileName)
	if err != nil {
		log.Error().Err(err).Str("module", "config").Msg("watch disabled")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log_level")
		ApplyLogLevel(level)
		log.Info().Str("module", "config").Str("file", e.Name).Str("level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}

// FileName is the path Load reads for the current CONFIG_ENV.
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds process configuration. User-editable settings live in Settings.
type Config struct {
	LogLevel     string
	SettingsPath string

	ControlAddr string
	JWTSecret   string

	RedisAddr   string
	NATSURL     string
	DatabaseDSN string

	P2PHost        string
	P2PDownloadDir string
	P2PTimeout     time.Duration
	P2PMaxSessions int
	P2PMaxBytes    int64

	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SettleWindow time.Duration
	PollInterval time.Duration
	Retention    int
	SeenCap      int
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Load reads configuration values from ECHOCHAN_* environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ECHOCHAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log.level", "info")
	v.SetDefault("settings.path", "echochan-settings.json")
	v.SetDefault("control.addr", "127.0.0.1:7480")
	v.SetDefault("p2p.host", "0.0.0.0")
	v.SetDefault("p2p.download_dir", "downloads")
	v.SetDefault("p2p.timeout", "15s")
	v.SetDefault("p2p.max_sessions", 2)
	v.SetDefault("p2p.max_bytes", 50<<20)
	v.SetDefault("relay.backoff_base", "1s")
	v.SetDefault("relay.backoff_max", "30s")
	v.SetDefault("chat.settle_window", "800ms")
	v.SetDefault("chat.retention", 500)
	v.SetDefault("chat.seen_cap", 50000)
	v.SetDefault("backend.poll_interval", "5s")

	durations := map[string]*time.Duration{}
	cfg := Config{
		LogLevel:       v.GetString("log.level"),
		SettingsPath:   v.GetString("settings.path"),
		ControlAddr:    v.GetString("control.addr"),
		JWTSecret:      v.GetString("control.jwt_secret"),
		RedisAddr:      v.GetString("redis.addr"),
		NATSURL:        v.GetString("nats.url"),
		DatabaseDSN:    v.GetString("database.dsn"),
		P2PHost:        v.GetString("p2p.host"),
		P2PDownloadDir: v.GetString("p2p.download_dir"),
		P2PMaxSessions: v.GetInt("p2p.max_sessions"),
		P2PMaxBytes:    v.GetInt64("p2p.max_bytes"),
		Retention:      v.GetInt("chat.retention"),
		SeenCap:        v.GetInt("chat.seen_cap"),
	}
	durations["p2p.timeout"] = &cfg.P2PTimeout
	durations["relay.backoff_base"] = &cfg.BackoffBase
	durations["relay.backoff_max"] = &cfg.BackoffMax
	durations["chat.settle_window"] = &cfg.SettleWindow
	durations["backend.poll_interval"] = &cfg.PollInterval

	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*dst = d
	}

	if cfg.BackoffMax < cfg.BackoffBase {
		return Config{}, fmt.Errorf("relay backoff ceiling %s is below base %s", cfg.BackoffMax, cfg.BackoffBase)
	}
	if cfg.P2PMaxSessions <= 0 {
		cfg.P2PMaxSessions = 2
	}
	if cfg.P2PMaxBytes <= 0 {
		cfg.P2PMaxBytes = 50 << 20
	}

	return cfg, nil
}

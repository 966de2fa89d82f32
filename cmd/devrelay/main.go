package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"echochan/internal/config"
	"echochan/internal/devrelay"
)

func main() {
	addr := flag.String("addr", ":7447", "relay listen address")
	backlog := flag.Int("backlog", devrelay.DefaultBacklog, "events kept for replay")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal := zerolog.New(os.Stderr)
		fatal.Fatal().Err(err).Msg("❌ invalid configuration")
	}
	log := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Str("service", "devrelay").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is optional: with it, several relay instances share one event stream.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("❌ Could not connect to Redis")
		}
		defer redisClient.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("✅ Connected to Redis")
	}

	relay := devrelay.New(redisClient, *backlog, log)
	go relay.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: relay}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Msg("🚀 Relay started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ListenAndServe")
	}
}

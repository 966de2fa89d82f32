package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"echochan/internal/chat"
	"echochan/internal/config"
	"echochan/internal/db"
	"echochan/internal/identity"
	myMiddleware "echochan/internal/middleware"
	"echochan/internal/p2p"
	"echochan/internal/relay"
	"echochan/internal/transport"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		fatal := zerolog.New(os.Stderr)
		fatal.Fatal().Err(err).Msg("❌ invalid configuration")
	}
	addr := flag.String("addr", cfg.ControlAddr, "control API address")
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Settings & Identity
	settingsStore, err := config.NewFileStore(cfg.SettingsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open settings")
	}
	keys, err := identity.LoadOrCreate(settingsStore)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load identity")
	}
	log.Info().Str("identity", keys.PublicKeyHex()).Msg("✅ Identity ready")

	// 3. Ingest pipeline
	hub := chat.NewHub(chat.NewStore(cfg.Retention, cfg.SeenCap, time.Now), cfg.SettleWindow, log)
	go hub.Run(ctx)

	// 4. Backend database (optional)
	backend := connectBackend(ctx, cfg, log)

	// 5. Transport
	client, err := transport.New(transport.Config{
		Settings: settingsStore,
		Identity: keys,
		Hub:      hub,
		Relay:    relay.Options{BackoffBase: cfg.BackoffBase, BackoffMax: cfg.BackoffMax},
		Backend:  backend,
		OnStatus: func(s relay.Summary) {
			log.Debug().Int("total", s.Total).Int("connected", s.Connected).Int("errors", s.Errors).Msg("relay status")
		},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to create transport")
	}

	// 6. Peer-to-peer transfers
	sessions := p2p.NewManager(keys.PublicKeyHex(),
		p2p.NewQUICTransport(keys.Seed(), cfg.P2PHost, log),
		client, client.Prompts(), client.Peers(),
		p2p.Options{
			MaxSessions: cfg.P2PMaxSessions,
			Timeout:     cfg.P2PTimeout,
			MaxBytes:    cfg.P2PMaxBytes,
			OnNotice:    client.Notify,
			OnTransfer:  func(tr p2p.Transfer) { saveTransfer(cfg.P2PDownloadDir, tr, log) },
		}, log)
	client.AttachP2P(sessions)

	if err := client.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to start transport")
	}
	defer client.Close()

	go printDeliveries(ctx, client, log)
	go announcePrompts(ctx, client, log)

	// 7. Control API
	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("ECHOCHAN_CONTROL_JWT_SECRET is not set, using a one-off secret")
	}
	tokens := myMiddleware.NewTokens(secret)
	token, err := tokens.Issue("local", 24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to issue control token")
	}
	log.Info().Str("token", token).Msg("🔑 Control API token")

	srv := &http.Server{
		Addr:    *addr,
		Handler: transport.NewHandler(client).Routes(myMiddleware.NewAuthMiddleware(tokens)),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Msg("🚀 Control API starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("ListenAndServe")
	}
}

func connectBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) *transport.Backend {
	if cfg.DatabaseDSN == "" {
		return nil
	}
	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to connect to DB")
	}
	log.Info().Msg("✅ Connected to PostgreSQL")
	if err := database.AutoMigrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ Migration failed")
	}

	backend := &transport.Backend{
		Store:        db.NewRepository(database.Conn),
		PollInterval: cfg.PollInterval,
	}

	switch {
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, polling only")
			break
		}
		log.Info().Msg("✅ Connected to Redis")
		backend.Push = db.NewRedisPush(redisClient, log)
	case cfg.NATSURL != "":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("echochan"))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, polling only")
			break
		}
		log.Info().Msg("✅ Connected to NATS")
		backend.Push = db.NewNATSPush(nc, log)
	}
	return backend
}

func printDeliveries(ctx context.Context, client *transport.Client, log zerolog.Logger) {
	l := client.Listen(256)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-l.Send:
			if !ok {
				return
			}
			for _, m := range d.Messages {
				log.Info().Str("room", m.Room).Str("nick", m.Nick).Bool("backlog", d.Backlog).Msg("💬 " + m.Text)
			}
		}
	}
}

func announcePrompts(ctx context.Context, client *transport.Client, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-client.Prompts().Asked():
			log.Info().Str("prompt", p.ID).Msg("❓ " + p.Text)
		}
	}
}

func saveTransfer(dir string, tr p2p.Transfer, log zerolog.Logger) {
	path, err := p2p.SaveTransfer(dir, tr)
	if err != nil {
		log.Error().Err(err).Str("sid", tr.SessionID).Msg("failed to save transfer")
		return
	}
	log.Info().Str("path", path).Str("from", tr.FromNick).Int("bytes", len(tr.Data)).Msg("📦 Transfer saved")
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

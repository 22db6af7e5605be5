package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codegate/internal/api"
	"codegate/internal/audit"
	"codegate/internal/config"
	"codegate/internal/engine"
	"codegate/internal/lockout"
	"codegate/internal/monitor"
	"codegate/internal/ratelimit"
	"codegate/internal/storage"
	"codegate/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	// The signing secret comes from the environment only, and a weak one is
	// a startup error rather than a warning.
	secret, err := config.AuthSecret()
	if err != nil {
		log.Fatal().Err(err).Msg("auth secret check failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Database is optional: without it the service runs degraded, with
	// in-memory revocation and lockout state and log-only audit persistence.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			CallTimeout:     cfg.Database.CallTimeout,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, running degraded")
			db = nil
		} else {
			defer db.Close()
		}
	}

	var sink audit.Sink = audit.LogSink{}
	if db != nil {
		sink = storage.NewEventSink(db)
	}
	auditor := audit.NewLogger(sink, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		DrainInterval: cfg.Audit.DrainInterval,
		DrainBatch:    cfg.Audit.DrainBatch,
	})
	auditor.Start()
	defer auditor.Close()

	var revocations token.RevocationStore
	if db != nil {
		revocations = db
	}
	tokens, err := token.NewService(token.Config{
		Secret: secret,
		TTL:    cfg.Token.TTL,
		Issuer: cfg.Token.Issuer,
	}, revocations, auditor)
	if err != nil {
		log.Fatal().Err(err).Msg("token service init failed")
	}

	lockouts := lockout.NewTracker(lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Window:    cfg.Lockout.Window,
		Duration:  cfg.Lockout.Duration,
	}, auditor)
	restoreLockouts(ctx, db, lockouts)
	go lockoutGCLoop(ctx, lockouts)

	limiter := ratelimit.NewLimiter(map[ratelimit.Class]ratelimit.ClassLimit{
		ratelimit.ClassAuth:    {Limit: cfg.RateLimit.Auth.Limit, Window: cfg.RateLimit.Auth.Window},
		ratelimit.ClassExecute: {Limit: cfg.RateLimit.Execute.Limit, Window: cfg.RateLimit.Execute.Window},
		ratelimit.ClassGeneral: {Limit: cfg.RateLimit.General.Limit, Window: cfg.RateLimit.General.Window},
	})
	defer limiter.Close()

	backend, err := engine.NewBackend(ctx, engine.BackendConfig{
		Preference:       cfg.Engine.Backend,
		ContainerdSocket: cfg.Engine.ContainerdSocket,
		Namespace:        cfg.Engine.Namespace,
	})
	if err != nil {
		// Keep health and metrics reachable for debugging; executions fail
		// with an infrastructure error until a runtime shows up.
		log.Warn().Err(err).Msg("no isolation backend available")
		backend = engine.NewUnavailableBackend(err)
	}

	eng := engine.New(backend, auditor, engine.Options{
		Workers:    cfg.Engine.Workers,
		QueueDepth: cfg.Engine.QueueDepth,
		DefaultLimits: engine.Limits{
			MaxWallClock:   cfg.Engine.DefaultTimeout,
			CPUShares:      cfg.Engine.DefaultLimits.CPUShares,
			MemoryMB:       cfg.Engine.DefaultLimits.MemoryMB,
			PidsLimit:      cfg.Engine.DefaultLimits.PidsLimit,
			MaxOutputBytes: cfg.Engine.DefaultLimits.MaxOutputBytes,
		},
	})

	handlers := api.NewHandlers(eng, tokens, lockouts, auditor, db, metrics, cfg.Users)
	server := api.NewServer(cfg, handlers, tokens, limiter, metrics, db)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Int("users", len(cfg.Users)).
		Msg("server starting")

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// restoreLockouts reinstalls lockouts that were active before a restart, so
// bouncing the process does not reset an attacker's clock.
func restoreLockouts(ctx context.Context, db *storage.DB, lockouts *lockout.Tracker) {
	if db == nil {
		return
	}
	active, err := db.ActiveLockouts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted lockouts")
		return
	}
	for _, l := range active {
		lockouts.Restore(l.Principal, l.LockedUntil)
	}
	if len(active) > 0 {
		log.Info().Int("count", len(active)).Msg("restored active lockouts")
	}
}

func lockoutGCLoop(ctx context.Context, lockouts *lockout.Tracker) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lockouts.GC()
		case <-ctx.Done():
			return
		}
	}
}

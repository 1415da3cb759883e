package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wasmscan/internal/api"
	"wasmscan/internal/compute"
	"wasmscan/internal/config"
	"wasmscan/internal/eventbus"
	"wasmscan/internal/formula"
	"wasmscan/internal/ingester"
	"wasmscan/internal/repository"
	"wasmscan/internal/search"
	"wasmscan/internal/transform"
	"wasmscan/internal/webhooks"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	cfgPath := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	applyEnvOverrides(cfg)

	log := newLogger(cfg)
	log.Info().
		Str("commit", BuildCommit).
		Str("chain", cfg.ChainID).
		Str("db", redactDatabaseURL(cfg.DatabaseURL)).
		Str("source", cfg.Sources.Wasm).
		Msg("starting wasmscan")

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if getEnv("SKIP_MIGRATION", "") == "true" {
		log.Info().Msg("migration skipped (SKIP_MIGRATION=true)")
	} else {
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().Msg("migration complete")
	}

	// Shared plumbing.
	bus := eventbus.New()
	registry := formula.NewRegistry(cfg.ChainID)
	computeSvc := compute.New(repo, registry, log)
	reindexer := search.NewLogReindexer(log)

	// Webhooks: config-declared subscriptions merge with DB-backed rows
	// through the TTL cache.
	webhookStore := webhooks.NewStore(repo.Pool())
	static, err := webhooks.FromConfig(cfg.Webhooks)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid webhook configuration")
	}
	subCache := webhooks.NewSubscriptionCache(webhookStore, static, 30*time.Second)
	dispatcher := webhooks.NewDispatcher(subCache, repo, webhookStore)
	deliverer := webhooks.NewDeliverer(cfg.Soketi, cfg.Delivery.Timeout())
	orchestrator := webhooks.NewOrchestrator(webhookStore, deliverer, bus, cfg.Delivery)

	driver := ingester.NewDriver(ingester.Config{
		Source:             cfg.Sources.Wasm,
		Batch:              cfg.Batch,
		InitialBlockHeight: cfg.InitialBlockHeight,
		Follow:             getEnv("SOURCE_FOLLOW", "") == "true",
		CacheUpdates:       *cfg.CacheUpdates,
		WebhooksEnabled:    *cfg.WebhooksEnabled,
	}, repo, transform.Default(), computeSvc, dispatcher, reindexer, bus, log)

	apiServer := api.NewServer(cfg.API, api.Options{
		Compute:        computeSvc,
		Store:          repo,
		Driver:         driver,
		Pending:        webhookStore,
		Bus:            bus,
		Admin:          webhooks.NewAdminHandlers(webhookStore, subCache),
		AuthMiddleware: webhooks.NewAuthMiddleware(cfg.API.JWTSecret).Middleware,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("api server failed")
		}
	}()

	// The driver owns the pipeline: when the stream ends (or a DB error
	// exhausts its retries) the process comes down with it.
	driverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		driverErr <- driver.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		if err := <-driverErr; err != nil {
			log.Error().Err(err).Msg("driver failed during shutdown")
			exitCode = 1
		}
	case err := <-driverErr:
		if err != nil {
			log.Error().Err(err).Msg("ingestion failed")
			exitCode = 1
		} else {
			log.Info().Msg("stream ended")
		}
		cancel()
	}

	bus.Close()
	wg.Wait()
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// applyEnvOverrides lets deployment environments override the file-based
// config without editing it.
func applyEnvOverrides(cfg *config.Config) {
	if v := getEnv("DB_URL", ""); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getEnv("CHAIN_ID", ""); v != "" {
		cfg.ChainID = v
	}
	if v := getEnv("WASM_SOURCE", ""); v != "" {
		cfg.Sources.Wasm = v
	}
	if v := getEnv("BATCH", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Batch = n
		}
	}
	if v := getEnv("INITIAL_BLOCK_HEIGHT", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.InitialBlockHeight = &n
		}
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.API.Port = n
		}
	}
	if v := getEnv("JWT_SECRET", ""); v != "" {
		cfg.API.JWTSecret = v
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only
		// scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}

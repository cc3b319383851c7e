// Package main is the CLI entrypoint for the Delivery Service. It provides
// subcommands for running the server (serve), managing database migrations
// (migrate), and printing version information (version). The serve command
// loads configuration, connects to PostgreSQL, NATS, and Redis, runs pending
// migrations, starts the RPC/HTTP server and background workers, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amityvox/deliveryservice/internal/actor"
	"github.com/amityvox/deliveryservice/internal/admin"
	"github.com/amityvox/deliveryservice/internal/api"
	"github.com/amityvox/deliveryservice/internal/config"
	"github.com/amityvox/deliveryservice/internal/convo"
	"github.com/amityvox/deliveryservice/internal/database"
	"github.com/amityvox/deliveryservice/internal/events"
	"github.com/amityvox/deliveryservice/internal/fanout"
	"github.com/amityvox/deliveryservice/internal/identity"
	"github.com/amityvox/deliveryservice/internal/push"
	"github.com/amityvox/deliveryservice/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("deliveryd — MLS Delivery Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  deliveryd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Delivery Service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  deliveryd.toml (or set DS_CONFIG_PATH)")
	fmt.Println("  Env prefix:   DS_ (e.g. DS_DATABASE_URL)")
}

// runServe starts the full Delivery Service: loads config, connects to all
// services (PostgreSQL, NATS, Redis), runs migrations, wires every package
// into the RPC server and background workers, and handles graceful
// shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting deliveryd",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.NATS.URL, db.Pool, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	if err := bus.EnsureStream(); err != nil {
		return fmt.Errorf("ensuring NATS stream: %w", err)
	}

	hub := events.NewHub()
	if _, err := bus.SubscribeAll(hub.Dispatch); err != nil {
		return fmt.Errorf("subscribing hub to event bus: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}

	didResolveTimeout, err := cfg.Identity.DIDResolveTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing DID resolve timeout: %w", err)
	}
	didDocCacheTTL, err := cfg.Identity.DIDDocCacheTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing DID doc cache TTL: %w", err)
	}
	resolver := identity.NewResolver(identity.ResolverConfig{
		Timeout:    didResolveTimeout,
		CacheTTL:   didDocCacheTTL,
		MaxEntries: 10000,
	})
	replayCache := identity.NewReplayCache(rdb)
	verifier, err := identity.NewVerifier(cfg.Identity, resolver, replayCache)
	if err != nil {
		return fmt.Errorf("building identity verifier: %w", err)
	}

	pushSvc := push.NewService(push.Config{
		Logger:            logger,
		VAPIDPublicKey:    cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey:   cfg.Push.VAPIDPrivateKey,
		VAPIDContactEmail: cfg.Push.VAPIDContactEmail,
	})
	if pushSvc.Enabled() {
		logger.Info("push notifications enabled")
	}

	fanoutSvc := fanout.New(db.Pool, pushSvc, logger, cfg.Push.IncludeCiphertext)

	actorInactivityTimeout, err := cfg.Actor.InactivityTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing actor inactivity timeout: %w", err)
	}
	registry := actor.NewRegistry(db.Pool, bus, fanoutSvc, logger, actorInactivityTimeout, cfg.Actor.MailboxWarnDepth)
	defer registry.Stop()

	adminSvc := admin.New(db.Pool, bus)
	convoSvc := convo.New(db.Pool, bus, adminSvc)

	srv := api.NewServer(api.Deps{
		DB:         db,
		Config:     cfg,
		Verifier:   verifier,
		EventBus:   bus,
		Hub:        hub,
		Actors:     registry,
		Convo:      convoSvc,
		Admin:      adminSvc,
		InstanceID: cfg.Instance.Domain,
		Version:    version,
		Logger:     logger,
	})

	messageSweepInterval, err := cfg.Workers.MessageSweepIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing message sweep interval: %w", err)
	}
	idempotencySweepInterval, err := cfg.Workers.IdempotencySweepIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing idempotency sweep interval: %w", err)
	}
	rejoinRetryInterval, err := cfg.Workers.RejoinRetryIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing rejoin retry interval: %w", err)
	}
	rejoinRetryTimeout, err := cfg.Workers.RejoinRetryTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing rejoin retry timeout: %w", err)
	}

	workerMgr := workers.New(workers.Config{
		Pool:                     db.Pool,
		Bus:                      bus,
		Logger:                   logger,
		MessageSweepInterval:     messageSweepInterval,
		IdempotencySweepInterval: idempotencySweepInterval,
		RejoinRetryInterval:      rejoinRetryInterval,
		RejoinRetryTimeout:       rejoinRetryTimeout,
	})
	workerMgr.Start(ctx)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	workerMgr.Stop()

	logger.Info("deliveryd stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("deliveryd %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from DS_CONFIG_PATH env var or the
// default "deliveryd.toml".
func configPath() string {
	if p := os.Getenv("DS_CONFIG_PATH"); p != "" {
		return p
	}
	return "deliveryd.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

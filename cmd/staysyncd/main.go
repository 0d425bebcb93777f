// SPDX-License-Identifier: MIT

// Command staysyncd is the property-management daemon: the public
// booking API, the admin surface, the channel webhook ingress, the
// delivery dispatcher and the background maintenance jobs, all in one
// process.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/api"
	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/channel/airbnb"
	"github.com/lodgewerk/staysync/internal/channel/bookingcom"
	"github.com/lodgewerk/staysync/internal/channel/expedia"
	"github.com/lodgewerk/staysync/internal/channel/fewodirekt"
	"github.com/lodgewerk/staysync/internal/channel/googlevr"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/config"
	"github.com/lodgewerk/staysync/internal/daemon"
	"github.com/lodgewerk/staysync/internal/dispatch"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ics"
	"github.com/lodgewerk/staysync/internal/ingress"
	"github.com/lodgewerk/staysync/internal/jobs"
	"github.com/lodgewerk/staysync/internal/lock"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/outbox"
	"github.com/lodgewerk/staysync/internal/payment"
	"github.com/lodgewerk/staysync/internal/pricing"
	"github.com/lodgewerk/staysync/internal/ratelimit"
	"github.com/lodgewerk/staysync/internal/reconcile"
	"github.com/lodgewerk/staysync/internal/resilience"
	"github.com/lodgewerk/staysync/internal/store/postgres"
	"github.com/lodgewerk/staysync/internal/store/sqlite"
	"github.com/lodgewerk/staysync/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("staysync %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	log.Configure(log.Config{Level: "info", Service: "staysync", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error().Err(err).Msg("daemon failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, configPath string) error {
	// Explicit --config wins; otherwise pick up ${STAYSYNC_DATA_DIR}/
	// config.yaml when it exists, so a saved config survives restarts.
	effectivePath := strings.TrimSpace(configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("STAYSYNC_DATA_DIR"))
		if dataDir == "" {
			dataDir = "./data"
		}
		auto := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(auto); err == nil {
			effectivePath = auto
		}
	}

	loader := config.NewLoader(effectivePath, version)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "staysync", Version: version})

	source := "env+defaults"
	if effectivePath != "" {
		source = effectivePath
	}
	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("config_source", source).
		Str("listen", cfg.Listen).
		Msg("starting staysync")
	if cfg.AdminToken == "" {
		logger.Warn().Msg("admin token not configured, admin routes disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	var st ports.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		st, err = postgres.New(ctx, cfg.Store.PostgresDSN)
	default:
		st, err = sqlite.New(cfg.Store.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("open store (%s): %w", cfg.Store.Driver, err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	locker := lock.NewManager(rdb)

	var payments ports.PaymentProvider
	if cfg.Payment.BaseURL != "" {
		payments = payment.New(cfg.Payment.BaseURL, cfg.Payment.APIKey, 0)
	} else {
		logger.Warn().Msg("payment processor not configured, using the in-memory fake")
		payments = payment.NewFake()
	}

	core := manager.New(st, locker, payments, pricing.TaxTable(cfg.Pricing.Taxes))

	key, err := cfg.Channels.CredentialKeyBytes()
	if err != nil {
		return err
	}
	if len(key) == 0 {
		// Sealed credentials written under an ephemeral key cannot be
		// opened after a restart. Fine for evaluation, not for production.
		logger.Warn().Msg("channels.credential_key not configured, sealing credentials with an ephemeral key")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate ephemeral credential key: %w", err)
		}
	}
	codec, err := channel.NewCredentialCodec(key)
	if err != nil {
		return fmt.Errorf("credential codec: %w", err)
	}

	base := func(ch model.Channel) string { return cfg.Channels.BaseURLs[string(ch)] }
	registry, err := channel.NewRegistry(
		airbnb.New(base(model.ChannelAirbnb), cfg.Channels.Timeout),
		bookingcom.New(base(model.ChannelBookingCom), cfg.Channels.Timeout),
		expedia.New(base(model.ChannelExpedia), cfg.Channels.Timeout),
		fewodirekt.New(base(model.ChannelFewoDirekt), cfg.Channels.Timeout),
		googlevr.New(base(model.ChannelGoogleVR), cfg.Channels.GoogleAccountID, cfg.Channels.Timeout),
	)
	if err != nil {
		return fmt.Errorf("channel registry: %w", err)
	}

	limits := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithRedis(rdb))
	circuits := resilience.NewRegistry(resilience.DefaultConfig(), resilience.WithRedis(rdb))

	ob := outbox.NewManager(st, outbox.WithVisibility(cfg.Dispatch.Visibility))
	dispatcher := dispatch.New(ob, st, registry, codec, limits, circuits,
		dispatch.WithPollInterval(cfg.Dispatch.Interval),
		dispatch.WithBatchSize(cfg.Dispatch.BatchSize),
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		dispatch.WithPartitions(cfg.Dispatch.Workers),
	)

	reconciler := reconcile.New(st, core, locker, registry, codec, limits, circuits,
		reconcile.WithRedis(rdb),
		reconcile.WithDailyCap(cfg.Reconcile.DailyCap),
	)

	var feeds *ics.Publisher
	if cfg.Feeds.Enabled {
		dir := filepath.Join(cfg.DataDir, "feeds")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = st.Close()
			return fmt.Errorf("create feed dir: %w", err)
		}
		feeds = ics.New(st, dir)
	}

	archive, err := ingress.OpenArchive(filepath.Join(cfg.DataDir, "webhook-archive"))
	if err != nil {
		_ = st.Close()
		return err
	}

	runner := jobs.NewRunner()
	jobs.Register(runner, jobs.Deps{
		Store:      st,
		Core:       core,
		Outbox:     ob,
		Refresher:  jobs.NewCredentialRefresher(st, registry, codec, cfg.Channels.RefreshWithin, clock.System()),
		Poller:     jobs.NewPollImporter(st, core, locker, registry, codec, clock.System()),
		Reconciler: reconciler,
		Feeds:      feeds,
		Archive:    archive,
	}, cfg)

	// Publish feeds once before serving so the first request after a
	// restart never sees an empty directory.
	if feeds != nil {
		if err := feeds.RefreshAll(ctx); err != nil {
			logger.Error().Err(err).Msg("initial feed refresh failed")
		}
	}

	apiHandler := api.New(api.Deps{
		Core:       core,
		Store:      st,
		Codec:      codec,
		Circuits:   circuits,
		Reconciler: reconciler,
		Feeds:      feeds,
		Archive:    archive,
		AdminToken: cfg.AdminToken,
		Version:    version,
	})
	router := apiHandler.Router()
	webhooks := ingress.New(core, st, locker, registry, codec,
		ingress.WithArchive(archive),
		ingress.WithPaymentSecret(cfg.Payment.WebhookSecret),
	)
	webhooks.Mount(router)

	var metricsHandler http.Handler
	metricsListen := ""
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.Handler()
		metricsListen = cfg.Metrics.Listen
	}

	mgr := daemon.New(daemon.Config{
		Listen:        cfg.Listen,
		MetricsListen: metricsListen,
	}, router, metricsHandler)

	// LIFO: resources registered first close last.
	mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	mgr.RegisterShutdownHook("store", func(context.Context) error { return st.Close() })
	mgr.RegisterShutdownHook("redis", func(context.Context) error { return rdb.Close() })
	mgr.RegisterShutdownHook("archive", func(context.Context) error { return archive.Close() })

	dispatcher.Start()
	mgr.RegisterShutdownHook("dispatcher", dispatcher.Stop)
	runner.Start(ctx)
	mgr.RegisterShutdownHook("jobs", func(context.Context) error { runner.Stop(); return nil })

	// The file watcher and SIGHUP both reload the config file; only the
	// log level applies without a restart.
	holder := config.NewHolder(cfg, loader)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, reload via SIGHUP only")
	}
	defer holder.Stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	reloaded := make(chan config.Config, 1)
	holder.RegisterListener(reloaded)
	go func() {
		for {
			select {
			case _, ok := <-hup:
				if !ok {
					return
				}
				if err := holder.Reload(context.Background()); err != nil {
					logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
				}
			case next := <-reloaded:
				log.Configure(log.Config{Level: next.Log.Level, Service: "staysync", Version: version})
			}
		}
	}()

	return mgr.Start(ctx)
}

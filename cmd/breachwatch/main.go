// Package main is the entry point for the breachwatch daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"breachwatch/internal/api"
	"breachwatch/internal/audit"
	"breachwatch/internal/breach"
	"breachwatch/internal/config"
	"breachwatch/internal/engine"
	"breachwatch/internal/indicator"
	"breachwatch/internal/ingest"
	"breachwatch/internal/normalize"
	"breachwatch/internal/notify"
	"breachwatch/internal/queue"
	"breachwatch/internal/rules"
	"breachwatch/internal/store"
	"breachwatch/internal/views"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"storage_backend", cfg.Storage.Backend,
		"queue_size", cfg.Queue.Size,
		"kafka_enabled", cfg.Ingest.Kafka.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal log
	var signals store.SignalStore
	var chStore *store.ClickHouseStore
	switch cfg.Storage.Backend {
	case "clickhouse":
		slog.Info("connecting to clickhouse", "hosts", cfg.Storage.ClickHouse.Hosts)
		chStore, err = store.NewClickHouseStore(cfg.Storage.ClickHouse, cfg.Storage.BatchWriter)
		if err != nil {
			slog.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		if err := chStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure clickhouse schema", "error", err)
			os.Exit(1)
		}
		signals = chStore
	default:
		signals = store.NewMemoryStore(cfg.Storage.Retention)
	}

	// Breach pipeline
	breaches := breach.NewMemoryStore()
	auditor := audit.NewLogAuditor(logger)

	var locker *breach.RedisLocker
	var shared breach.SharedLocker
	if cfg.Dedup.Enabled {
		locker, err = breach.NewRedisLocker(cfg.Dedup.Redis)
		if err != nil {
			slog.Error("failed to connect to redis for dedup locking", "error", err)
			os.Exit(1)
		}
		shared = locker
	}

	aggregator := breach.NewAggregator(breaches, auditor, shared)
	lifecycle := breach.NewLifecycle(breaches, auditor)

	registry := indicator.NewRegistry(auditor)
	correlator := indicator.NewCorrelator(registry)
	aggregator.AddHandler(correlator.HandleNotice)

	router := notify.NewRouter(cfg.Routes)
	deliver := func(ctx context.Context, n *breach.Notice, targets []notify.Target) {
		for _, t := range targets {
			slog.Info("notification dispatched",
				"breach_id", n.Breach.ID,
				"target", t.Name,
				"channel", t.Channel,
			)
		}
	}
	aggregator.AddHandler(router.HandleNotice(deliver))
	lifecycle.AddHandler(router.HandleNotice(deliver))

	// Evaluation engine
	eng := engine.New(engine.Config{
		Workers:      cfg.Engine.Workers,
		TickQueue:    cfg.Engine.TickQueue,
		MatchHistory: cfg.Engine.MatchHistory,
	}, signals, &engine.ZScoreScorer{}, registry)
	eng.AddHandler(aggregator.HandleMatch)

	loadRules(eng, cfg.Rules.Path)
	eng.Start(ctx)

	// Intake
	sigQueue := queue.NewRingBuffer(cfg.Queue.Size)
	pump := ingest.NewPump(sigQueue, signals, cfg.Queue.Writers, logger)
	pump.Start(ctx)

	normalizer := normalize.NewNormalizer(cfg.Normalizer)
	decoder := ingest.NewDecoder(normalizer)

	var consumer *ingest.KafkaConsumer
	if cfg.Ingest.Kafka.Enabled {
		consumer, err = ingest.NewKafkaConsumer(cfg.Ingest.Kafka, decoder, sigQueue, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	var listener *ingest.DTLSListener
	if cfg.Ingest.DTLS.Enabled {
		listener, err = ingest.NewDTLSListener(cfg.Ingest.DTLS, decoder, sigQueue, logger)
		if err != nil {
			slog.Error("failed to create dtls listener", "error", err)
			os.Exit(1)
		}
		if err := listener.Start(ctx); err != nil {
			slog.Error("failed to start dtls listener", "error", err)
			os.Exit(1)
		}
	}

	// Archive sweep
	if cfg.Archive.Enabled {
		archiver, err := breach.NewArchiver(ctx, cfg.Archive.S3, breaches)
		if err != nil {
			slog.Error("failed to create breach archiver", "error", err)
			os.Exit(1)
		}
		go archiveSweep(ctx, archiver, cfg.Archive.After, cfg.Archive.Sweep)
	}

	// Read/write API
	dashboard := views.NewDashboard(breaches, signals)
	statsFn := func() map[string]map[string]interface{} {
		qm := sigQueue.Metrics()
		stats := map[string]map[string]interface{}{
			"queue": {
				"pushed":   qm.Pushed,
				"popped":   qm.Popped,
				"dropped":  qm.Dropped,
				"depth":    qm.Depth,
				"capacity": qm.Capacity,
			},
			"engine":     eng.Stats(),
			"pump":       pump.Stats(),
			"indicators": registry.Stats(),
		}
		if consumer != nil {
			stats["kafka"] = consumer.Stats()
		}
		if listener != nil {
			stats["dtls"] = listener.Stats()
		}
		return stats
	}

	apiServer := api.NewServer(cfg.API, dashboard, statsFn, logger).
		WithWriteOps(aggregator, lifecycle)
	if cfg.API.Enabled {
		apiServer.Start()
	}

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if cfg.API.Enabled {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			slog.Error("api shutdown error", "error", err)
		}
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}
	if listener != nil {
		listener.Stop()
	}

	eng.Stop()
	sigQueue.Close()
	pump.Stop()
	cancel()

	if locker != nil {
		if err := locker.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if chStore != nil {
		if err := chStore.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	qm := sigQueue.Metrics()
	slog.Info("shutdown complete",
		"signals_pushed", qm.Pushed,
		"signals_popped", qm.Popped,
		"signals_dropped", qm.Dropped,
	)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRules reads the rule file and schedules every valid rule. Invalid
// definitions are skipped; the engine records them for rule health.
func loadRules(eng *engine.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("rule file not found, starting without rules", "path", path)
			return
		}
		slog.Error("failed to read rule file", "path", path, "error", err)
		os.Exit(1)
	}

	parsed, err := rules.ParseRules(data)
	if err != nil {
		slog.Error("failed to parse rule file", "path", path, "error", err)
		os.Exit(1)
	}

	loaded := 0
	for _, r := range parsed {
		if err := eng.AddRule(r); err != nil {
			slog.Warn("skipping invalid rule", "rule_id", r.ID, "error", err)
			continue
		}
		loaded++
	}
	slog.Info("rules loaded", "path", path, "loaded", loaded, "skipped", len(parsed)-loaded)
}

// archiveSweep periodically moves long-closed breaches to the archive.
func archiveSweep(ctx context.Context, archiver *breach.Archiver, after, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-after)
			n, err := archiver.ArchiveClosed(ctx, cutoff)
			if err != nil {
				slog.Error("archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("archive sweep complete", "archived", n)
			}
		}
	}
}

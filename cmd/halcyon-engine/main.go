package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/archive"
	"github.com/halcyon-trading/halcyon/internal/audit"
	"github.com/halcyon-trading/halcyon/internal/config"
	"github.com/halcyon-trading/halcyon/internal/engine"
	"github.com/halcyon-trading/halcyon/internal/eventbus"
	"github.com/halcyon-trading/halcyon/internal/export"
	"github.com/halcyon-trading/halcyon/internal/feed"
	"github.com/halcyon-trading/halcyon/internal/model"
	"github.com/halcyon-trading/halcyon/internal/ops"
	"github.com/halcyon-trading/halcyon/internal/repo"
	"github.com/halcyon-trading/halcyon/internal/risk"
	"github.com/halcyon-trading/halcyon/internal/signal"
	"github.com/halcyon-trading/halcyon/internal/strategy"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "halcyon-engine").
		Logger()

	// .env is optional; real config comes from YAML + environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.General.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if cfg.Profiling.Enabled {
		_, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "halcyon.engine",
			ServerAddress:   cfg.Profiling.ServerAddress,
			Logger:          nil,
		})
		if err != nil {
			log.Warn().Err(err).Msg("pyroscope start failed, continuing without profiling")
		}
	}

	// Strategy config store.
	var store repo.Repository
	if cfg.Database.DSN != "" {
		pg, err := repo.NewPostgres(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect strategy store")
		}
		store = pg
	} else {
		store = repo.NewMemory()
		log.Info().Msg("using in-memory strategy store")
	}

	// Export producer.
	var producer export.Producer
	if cfg.Export.Enabled {
		kp, err := export.NewKafka(cfg.Export.Brokers,
			export.WithInstanceID(cfg.General.InstanceID),
			export.WithSchemaVersion(cfg.Export.SchemaVersion),
			export.WithLinger(time.Duration(cfg.Export.LingerMs)*time.Millisecond),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		producer = kp
	} else {
		producer = export.NewStub()
		log.Info().Msg("export disabled, using stub producer")
	}
	defer producer.Close()

	// Archive writer over ClickHouse.
	var writer *archive.Writer
	if cfg.Archive.Enabled {
		client, err := archive.NewClient(ctx, cfg.Archive.DSN, cfg.Archive.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect clickhouse archive")
		}
		defer client.Close()
		if err := client.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure archive schema")
		}
		writer = archive.NewWriter(client, archive.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: time.Duration(cfg.Archive.FlushIntervalSec) * time.Second,
		})
		writer.Start(ctx)
		defer writer.Close()
	}

	// Event bus with terminal mirroring to archive and Kafka.
	bus := eventbus.New(eventbus.Config{
		MaxEvents:             cfg.EventBus.MaxEvents,
		MaxDeadLetters:        cfg.EventBus.MaxDeadLetters,
		BatchSize:             cfg.EventBus.BatchSize,
		FlushInterval:         time.Duration(cfg.EventBus.FlushIntervalMs) * time.Millisecond,
		RetryDelay:            time.Duration(cfg.EventBus.RetryDelayMs) * time.Millisecond,
		DefaultMaxRetries:     cfg.EventBus.DefaultMaxRetries,
		DefaultHandlerTimeout: time.Duration(cfg.EventBus.HandlerTimeoutMs) * time.Millisecond,
		MaxQueueDepth:         cfg.EventBus.MaxQueueDepth,
		MaxErrorRate:          cfg.EventBus.MaxErrorRate,
		MaxAvgProcessingMs:    cfg.EventBus.MaxAvgProcessingMs,
		MaxDeadLetterDepth:    cfg.EventBus.MaxDeadLetterDepth,
	})
	bus.SetTerminalHook(func(ev eventbus.EngineEvent) {
		if writer != nil {
			writer.RecordEvent(ev)
		}
		if cfg.Export.Enabled {
			if err := producer.PublishJSON(context.Background(), export.TopicEvents, ev.Type, ev); err != nil {
				log.Debug().Err(err).Str("event_id", ev.ID).Msg("terminal event export failed")
			}
		}
	})
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start event bus")
	}
	defer bus.Stop()

	// Signal processor.
	processor := signal.NewProcessor(signal.Config{
		Resolution:          signal.ResolutionStrategy(cfg.Processor.Resolution),
		MaxSignalsPerSymbol: cfg.Processor.MaxSignalsPerSymbol,
		MinQualityScore:     cfg.Processor.MinQualityScore,
		MaxSignalAge:        cfg.Processor.MaxSignalAge(),
		DedupEnabled:        cfg.Processor.DedupEnabled,
	}, engine.NewBusEvents(bus, cfg.General.InstanceID))

	riskCtl := risk.NewController(risk.Config{
		MaxDailyLoss:     cfg.Risk.MaxDailyLoss,
		MaxTotalExposure: cfg.Risk.MaxTotalExposure,
		MaxSignalRisk:    cfg.Risk.MaxSignalRisk,
		MinConfidence:    cfg.Risk.MinConfidence,
		MaxOpenPerSymbol: cfg.Risk.MaxOpenPerSymbol,
	})

	orch := engine.New(engine.Config{
		InstanceID:              cfg.General.InstanceID,
		MaxConcurrentStrategies: cfg.Engine.MaxConcurrentStrategies,
		MaxMemoryBytes:          uint64(cfg.Engine.MaxMemoryMB) << 20,
		DelegateTimeout:         time.Duration(cfg.Engine.DelegateTimeoutMs) * time.Millisecond,
		HealthCheckInterval:     time.Duration(cfg.Engine.HealthCheckIntervalSec) * time.Second,
		EmergencyStopTimeout:    time.Duration(cfg.Engine.EmergencyStopTimeoutSec) * time.Second,
		RecoveryTimeout:         time.Duration(cfg.Engine.RecoveryTimeoutSec) * time.Second,
		BaseQuantity:            cfg.Engine.BaseQuantity,
		DecisionTTL:             time.Duration(cfg.Engine.DecisionTTLSec) * time.Second,
	}, bus, processor, riskCtl, store, strategy.Factory)

	// Audit trail fed from the bus.
	trail := audit.NewTrail(producer, 10000)
	attachAudit(bus, trail, writer)

	if err := orch.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine initialization failed")
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(cfg.Ops.Addr, orch, bus, trail)
		opsServer.Start()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			if err := opsServer.Shutdown(shutCtx); err != nil {
				log.Warn().Err(err).Msg("ops server shutdown failed")
			}
		}()
	}

	if cfg.Feed.Enabled {
		f := feed.New(feed.Config{URL: cfg.Feed.WSURL}, tickSink{orch})
		go f.Run(ctx)
	}

	log.Info().Msg("halcyon engine running")
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("engine stop reported errors")
	}
	producer.Flush(5 * time.Second)
	log.Info().Msg("halcyon engine shutdown complete")
}

// tickSink drives the orchestrator from the market feed.
type tickSink struct {
	orch *engine.Orchestrator
}

func (s tickSink) OnTick(ctx context.Context, md model.MarketData) error {
	_, err := s.orch.ExecuteStrategies(ctx, md)
	return err
}

// attachAudit subscribes the audit trail (and the decision archive) to the
// events worth recording.
func attachAudit(bus *eventbus.Bus, trail *audit.Trail, writer *archive.Writer) {
	_, err := bus.Subscribe(eventbus.Subscription{
		Name: "audit-trail",
		EventTypes: []string{
			eventbus.TypeStateChanged,
			eventbus.TypeConflictResolved,
			eventbus.TypeTradeDecision,
			eventbus.TypeStrategyRegistered,
			eventbus.TypeStrategyRemoved,
			eventbus.TypeStrategyUpdated,
		},
		Fn: func(ev eventbus.EngineEvent) {
			switch ev.Type {
			case eventbus.TypeStateChanged:
				if p, ok := ev.Payload.(eventbus.StateChangePayload); ok {
					trail.RecordLifecycle(p.From, p.To, p.Reason)
				}
			case eventbus.TypeConflictResolved:
				if c, ok := ev.Payload.(model.SignalConflict); ok {
					trail.RecordConflict(c)
				}
			case eventbus.TypeTradeDecision:
				if d, ok := ev.Payload.(model.TradeDecision); ok {
					trail.RecordDecision(d)
					if writer != nil {
						writer.RecordDecision(d)
					}
				}
			case eventbus.TypeStrategyRegistered, eventbus.TypeStrategyRemoved, eventbus.TypeStrategyUpdated:
				if p, ok := ev.Payload.(eventbus.StrategyPayload); ok {
					trail.RecordStrategyOp(p.StrategyID, ev.Type)
				}
			}
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to attach audit subscription")
	}
}

func configPath() string {
	if p := os.Getenv("HALCYON_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/plexushq/weave/config"
	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/engine"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/schema"
	"github.com/plexushq/weave/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)
	if err := cfg.Discovery.Validate(); err != nil {
		log.Fatalf("engine config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		log.Fatalf("engine postgres config: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		log.Fatalf("engine postgres connect: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("engine redis ping: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	if err := schema.SeedBaseSchemas(ctx, st); err != nil {
		log.Fatalf("engine seed schemas: %v", err)
	}
	registry, err := schema.Load(ctx, st)
	if err != nil {
		log.Fatalf("engine load schemas: %v", err)
	}

	if err := streams.EnsureGroup(ctx, rdb, engine.StreamDiscoveryEnqueued, engine.Group); err != nil {
		log.Fatalf("engine ensure group: %v", err)
	}

	consumerName := fmt.Sprintf("engine-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, engine.Group, consumerName)
	publisher := streams.NewPublisher(rdb, registry)

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags)
	orch := discovery.NewOrchestrator(logger, st, discovery.NewTextComparator(), discovery.NewRedisPublisher(rdb), discovery.Options{
		Workers:        cfg.Discovery.Workers,
		ScoreThreshold: cfg.Discovery.ScoreThreshold,
		PairTimeout:    cfg.Discovery.PairTimeout,
		MaxPairRetries: cfg.Discovery.MaxPairRetries,
		RetryBackoff:   cfg.Discovery.RetryBackoff,
		PublishEvery:   cfg.Discovery.PublishEvery,
		DrainTimeout:   cfg.Discovery.DrainTimeout,
	})

	processor := engine.NewProcessor(logger, st, consumer, publisher, orch, consumerName)
	go processor.WatchCancellations(ctx, discovery.SubscribeCancel(ctx, rdb))

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsPort > 0 {
		go serveTelemetry(processor, cfg.Telemetry.MetricsPort, logger)
	}

	if err := processor.Start(ctx); err != nil {
		log.Fatalf("engine processor exited: %v", err)
	}
}

// serveTelemetry exposes /metrics and a liveness probe backed by the intake
// heartbeat.
func serveTelemetry(p *engine.Processor, port int, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !p.Healthy(time.Minute) {
			http.Error(w, "intake stalled", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf(":%d", port)
	logger.Printf("telemetry listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("telemetry server exited: %v", err)
	}
}

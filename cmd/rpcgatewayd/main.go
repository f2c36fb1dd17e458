// Command rpcgatewayd is a thin host: it loads config.Config, wires the
// independently constructed resilience components into an
// rpcmanager.Manager, and nothing else. It carries no HTTP listener of
// its own beyond what a real deployment would front with one; this demo
// host exists to prove the wiring, not to ship a production server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rarara59/relayrpc/internal/batch"
	"github.com/rarara59/relayrpc/internal/breaker"
	"github.com/rarara59/relayrpc/internal/cache"
	"github.com/rarara59/relayrpc/internal/config"
	"github.com/rarara59/relayrpc/internal/hedge"
	"github.com/rarara59/relayrpc/internal/logger"
	"github.com/rarara59/relayrpc/internal/ratelimit"
	"github.com/rarara59/relayrpc/internal/rpcmanager"
	"github.com/rarara59/relayrpc/internal/selector"
	"github.com/rarara59/relayrpc/internal/transport"
	"github.com/rarara59/relayrpc/pkg/eventbus"

	"github.com/rarara59/relayrpc/internal/domain"
)

func main() {
	var log *slog.Logger
	var mgr *rpcmanager.Manager

	cfg, err := config.Load(func(reloaded *config.Config) {
		if mgr == nil {
			return
		}
		endpoints, err := reloaded.ToEndpoints()
		if err != nil {
			if log != nil {
				log.Warn("config reload: bad endpoint list, keeping previous", "error", err)
			}
			return
		}
		mgr.UpdateEndpoints(endpoints)
		if log != nil {
			log.Info("endpoints reloaded", "count", len(endpoints))
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var cleanup func()
	log, cleanup, err = logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		FileOutput: cfg.Logging.FileOutput,
		LogDir:     cfg.Logging.LogDir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	mgr, err = buildManager(cfg, log)
	if err != nil {
		logger.Fatalf(log, "build manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("rpcgatewayd started", "endpoints", len(cfg.Endpoints))

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("rpcgatewayd shutting down")
			return
		case <-ticker.C:
			snap := mgr.Snapshot()
			log.Info("rpcmanager snapshot",
				"total", snap.Total,
				"succeeded", snap.Succeeded,
				"cache_hits", snap.CacheHits,
				"cache_misses", snap.CacheMisses,
				"p95_latency", snap.P95Latency,
			)
		}
	}
}

func buildManager(cfg *config.Config, log *slog.Logger) (*rpcmanager.Manager, error) {
	endpoints, err := cfg.ToEndpoints()
	if err != nil {
		return nil, err
	}

	bucket := ratelimit.New(ratelimit.Config{
		Capacity:      cfg.RateLimit.Capacity,
		RefillRate:    cfg.RateLimit.RefillRate,
		BurstCapacity: cfg.RateLimit.BurstCapacity,
	})

	events := eventbus.New[domain.BreakerTransitionEvent]()
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		CooldownPeriod:   cfg.Breaker.CooldownPeriod,
		HalfOpenRetries:  cfg.Breaker.HalfOpenRetries,
	}, events)
	transitions, _ := events.Subscribe(context.Background())
	go func() {
		for e := range transitions {
			log.Warn("breaker transition", "endpoint", e.Endpoint, "from", e.From, "to", e.To)
		}
	}()

	pool := transport.New(transport.Config{
		MaxSocketsPerHost: cfg.Pool.MaxSocketsPerHost,
		MaxSockets:        cfg.Pool.MaxSockets,
		IdleConnTimeout:   cfg.Pool.IdleConnTimeout,
		DialTimeout:       cfg.Pool.DialTimeout,
		KeepAlive:         cfg.Pool.KeepAlive,
		SweepInterval:     cfg.Pool.SweepInterval,
	})

	sel := selector.New(cfg.Selector.Strategy)

	rpcCache := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.DefaultTTL,
		MethodTTLs: cfg.Cache.MethodTTLs,
	})

	meter, err := buildMeter(cfg.Telemetry.MetricsEnabled)
	if err != nil {
		return nil, err
	}

	mgr := rpcmanager.New(rpcmanager.Config{
		MaxRetries:     cfg.Manager.MaxRetries,
		RetryBaseDelay: cfg.Manager.RetryBaseDelay,
		RetryMaxDelay:  cfg.Manager.RetryMaxDelay,
		Batch: batch.Config{
			SupportedMethods: config.MethodSet(cfg.Batch.SupportedMethods),
			BatchSize:        cfg.Batch.BatchSize,
			BatchWindow:      cfg.Batch.BatchWindow,
			MaxQueueSize:     cfg.Batch.MaxQueueSize,
		},
		Hedge: hedge.Config{
			Methods:            config.MethodSet(cfg.Hedge.Methods),
			Delay:              cfg.Hedge.Delay,
			AdaptiveEnabled:    cfg.Hedge.AdaptiveEnabled,
			AdaptiveSampleSize: cfg.Hedge.AdaptiveSampleSize,
		},
	}, rpcmanager.Deps{
		Bucket:   bucket,
		Breaker:  br,
		Pool:     pool,
		Selector: sel,
		Cache:    rpcCache,
		Logger:   log,
		Meter:    meter,
	}, endpoints)

	return mgr, nil
}

func buildMeter(enabled bool) (*rpcmanager.Meter, error) {
	var m metric.Meter
	if enabled {
		provider := sdkmetric.NewMeterProvider()
		m = provider.Meter("rpcgatewayd")
	} else {
		m = noop.NewMeterProvider().Meter("rpcgatewayd")
	}
	return rpcmanager.NewMeter(m)
}

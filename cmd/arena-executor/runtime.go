package main

import (
	"context"
	"fmt"
	"net/http"

	"agentarena/internal/bundle"
	"agentarena/internal/cancellation"
	"agentarena/internal/common/cache"
	"agentarena/internal/common/mq"
	"agentarena/internal/common/storage"
	"agentarena/internal/eventsink"
	"agentarena/internal/executor"
	"agentarena/internal/games/rps"
	"agentarena/internal/guest"
	"agentarena/internal/match"
	"agentarena/internal/observer"
	"agentarena/internal/sandbox/backend"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

// runtime is everything a running executor holds on to.
type runtime struct {
	cfg     *AppConfig
	svc     *executor.Service
	backend backend.Backend
	hub     *eventsink.Hub
	metrics *observer.Metrics
	queue   *mq.KafkaQueue
	redis   *cache.RedisCache
	streams *eventsink.RedisStreamSink

	closers []func() error
}

// buildRuntime connects the configured infrastructure and assembles the
// match service. extra sinks receive every event after the configured ones.
func buildRuntime(ctx context.Context, cfg *AppConfig, extra ...match.EventSink) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, metrics: observer.NewMetrics()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if cfg.Redis.Addr != "" {
		rt.redis, err = cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis failed: %w", err)
		}
		rt.closers = append(rt.closers, rt.redis.Close)
	}

	var objects storage.ObjectStorage
	if cfg.Bundles.Source == sourceMinIO || cfg.Events.Archive.Enabled {
		objects, err = storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		rt.queue, err = mq.NewKafkaQueue(cfg.Kafka.toMQConfig())
		if err != nil {
			return nil, fmt.Errorf("init kafka failed: %w", err)
		}
		rt.closers = append(rt.closers, rt.queue.Close)
	}

	source, err := buildSource(cfg.Bundles, objects)
	if err != nil {
		return nil, err
	}
	fetcher, err := bundle.NewFetcher(source, cfg.Bundles.Fetch)
	if err != nil {
		return nil, fmt.Errorf("init bundle fetcher failed: %w", err)
	}

	rt.backend, err = buildBackend(cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("init %s backend failed: %w", cfg.Sandbox.Backend, err)
	}

	rt.hub = eventsink.NewHub(cfg.Events.Hub)
	sinks := match.MultiSink{}
	if rt.queue != nil {
		sinks = append(sinks, eventsink.NewQueueSink(rt.queue, cfg.Kafka.EventTopic))
	}
	if cfg.Events.RedisStream.Enabled {
		rt.streams = eventsink.NewRedisStreamSink(rt.redis, cfg.Events.RedisStream.RedisStreamConfig)
		sinks = append(sinks, rt.streams)
	}
	if cfg.Events.Archive.Enabled {
		sinks = append(sinks, eventsink.NewArchiveSink(objects, cfg.Events.Archive.ArchiveConfig))
	}
	sinks = append(sinks, rt.hub)
	sinks = append(sinks, extra...)

	checkers := cancellation.Chain{}
	if rt.redis != nil {
		checkers = append(checkers, cancellation.NewKeyChecker(rt.redis, cfg.Cancellation.KeyPrefix))
	}
	if cfg.Cancellation.Endpoint != "" {
		checkers = append(checkers, cancellation.NewHTTPChecker(cfg.Cancellation.Endpoint, cfg.Cancellation.Timeout))
	}
	var prober bundle.Prober
	if cfg.Cancellation.ProbeBundles {
		prober, _ = source.(bundle.Prober)
	}

	registry, err := match.NewRegistry(rps.New())
	if err != nil {
		return nil, err
	}

	svcCfg := executor.Config{
		Registry:       registry,
		Backend:        rt.backend,
		Fetcher:        fetcher,
		Sink:           sinks,
		Checker:        checkers,
		Prober:         prober,
		Metrics:        rt.metrics,
		AgentOptions:   cfg.Match.Agent.toOptions(),
		WorkDir:        cfg.Sandbox.WorkDir,
		Mounts:         cfg.Sandbox.Mounts,
		SwapPath:       cfg.Sandbox.SwapPath,
		RAMBudgetMB:    cfg.Sandbox.RAMBudgetMB,
		SandboxSlots:   cfg.Sandbox.Slots,
		SlotWait:       cfg.Sandbox.SlotWait,
		MatchTimeout:   cfg.Match.Timeout,
		MessageTimeout: cfg.Match.MessageTimeout,
		ClaimTTL:       cfg.Match.ClaimTTL,
		Requeue: executor.RequeueConfig{
			Topic:           cfg.Kafka.RetryTopic,
			DeadLetterTopic: cfg.Kafka.DeadLetter,
			MaxRetries:      cfg.Kafka.PoolRetryMax,
			BaseDelay:       cfg.Kafka.PoolRetryBase,
			MaxDelay:        cfg.Kafka.PoolRetryMaxD,
		},
	}
	if rt.redis != nil {
		svcCfg.Claims = rt.redis
	}
	if rt.queue != nil {
		svcCfg.Producer = rt.queue
	}
	rt.svc, err = executor.NewService(svcCfg)
	if err != nil {
		return nil, fmt.Errorf("init match service failed: %w", err)
	}

	logger.Info(ctx, "executor ready",
		zap.String("backend", rt.backend.Name()),
		zap.String("bundles", cfg.Bundles.Source),
		zap.Int64("slots", rt.svc.Pool().Size()),
		zap.Int("sinks", len(sinks)))
	return rt, nil
}

// Close releases connections in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.Warn(context.Background(), "close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}

func buildSource(cfg BundleConfig, objects storage.ObjectStorage) (bundle.Source, error) {
	switch cfg.Source {
	case sourceMinIO:
		return bundle.NewObjectSource(objects, cfg.Bucket), nil
	case sourceHTTP:
		header := http.Header{}
		for k, v := range cfg.Headers {
			header.Set(k, v)
		}
		return bundle.NewHTTPSource(cfg.BaseURL, cfg.Timeout, header), nil
	case sourceLocal:
		local, err := storage.NewLocalStorage(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		return bundle.NewObjectSource(local, cfg.Bucket), nil
	}
	return nil, fmt.Errorf("unknown bundle source %q", cfg.Source)
}

func buildBackend(cfg SandboxConfig) (backend.Backend, error) {
	switch cfg.Backend {
	case backendFirecracker:
		return backend.NewFirecracker(cfg.Firecracker)
	case backendDocker:
		return backend.NewDocker(cfg.Docker)
	case backendLocal:
		return guest.NewLocalBackend(cfg.Local.Guest, &guest.ExecLauncher{
			Env:            cfg.Local.Env,
			Limits:         cfg.Local.Limits,
			SeccompProfile: cfg.Local.SeccompProfile,
		})
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
}

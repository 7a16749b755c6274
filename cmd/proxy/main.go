package main

import (
	"context"
	"time"

	"gemini-stealth-gateway/internal/cache"
	"gemini-stealth-gateway/internal/core/auth"
	"gemini-stealth-gateway/internal/core/config"
	"gemini-stealth-gateway/internal/core/nats"
	"gemini-stealth-gateway/internal/core/redis"
	"gemini-stealth-gateway/internal/events"
	"gemini-stealth-gateway/internal/forward"
	"gemini-stealth-gateway/internal/rotator"
	"gemini-stealth-gateway/internal/shared"
	"gemini-stealth-gateway/internal/shared/logs"
	"gemini-stealth-gateway/internal/stealth"

	natslib "github.com/nats-io/nats.go"
	redislib "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	// create signal-aware context first so we can cancel on startup failures
	ctx, cancel := shared.NewSignalContext(context.Background())

	cfg := config.LoadConfig()
	cleanupFns := []func(context.Context){}

	if len(cfg.APIKeys) == 0 {
		logs.Error("no upstream credentials configured, set GEMINI_API_KEYS")
		cancel()
		return
	}

	var redisClient *redislib.Client
	if cfg.RedisURL != "" {
		var err error
		redisClient, err = redis.Connect()
		if err != nil {
			logs.Error("failed to connect to redis", "err", err)
			cancel()
			shared.WaitForShutdown(ctx, 5*time.Second, cleanupFns...)
			return
		}
		cleanupFns = append(cleanupFns, func(c context.Context) { redis.Cleanup(c, redisClient) })
	}

	var natsConn *natslib.Conn
	if cfg.NATSURL != "" {
		var err error
		natsConn, err = nats.Connect()
		if err != nil {
			logs.Error("failed to connect to nats", "err", err)
			cancel()
			shared.WaitForShutdown(ctx, 5*time.Second, cleanupFns...)
			return
		}
		cleanupFns = append(cleanupFns, func(c context.Context) { nats.Cleanup(natsConn) })
	}

	publisher := events.NewPublisher(natsConn)

	var egress []string
	if cfg.ProxyRotation {
		egress = cfg.EgressProxies
	}

	// The pool burst limiter lets the whole pool sustain one selection per
	// credential interval without letting concurrent callers burst past it.
	poolRate := rate.Limit(float64(len(cfg.APIKeys)) / cfg.PerKeyInterval.Seconds())

	rot, err := rotator.New(rotator.Options{
		Credentials:       cfg.APIKeys,
		MinInterval:       cfg.PerKeyInterval,
		Jitter:            cfg.Jitter,
		QuotaBackoffBase:  time.Duration(cfg.QuotaBackoffMinutes) * time.Minute,
		EmergencyCooldown: cfg.EmergencyCooldown,
		EgressProxies:     egress,
		PoolRate:          poolRate,
		PoolBurst:         len(cfg.APIKeys),
		Events:            publisher,
	})
	if err != nil {
		logs.Error("failed to build credential rotator", "err", err)
		cancel()
		shared.WaitForShutdown(ctx, 5*time.Second, cleanupFns...)
		return
	}

	var store cache.Store
	if redisClient != nil {
		store = cache.NewRedis(redisClient, cfg.CacheTTL)
	} else {
		store = cache.NewMemory(cfg.CacheTTL, cfg.CacheMaxEntries, nil)
	}

	optimizer := stealth.New(cfg.StealthMode, cfg.MaxOutputTokens)

	engine := forward.NewEngine(forward.Options{
		BaseURL:       cfg.UpstreamBaseURL,
		Rotator:       rot,
		Cache:         store,
		Optimizer:     optimizer,
		Timeout:       cfg.RequestTimeout,
		RetryAttempts: cfg.RetryAttempts,
		BackoffBase:   cfg.RetryBackoff,
		Jitter:        cfg.Jitter,
	})

	deps := &serverDeps{
		cfg:           cfg,
		engine:        engine,
		rotator:       rot,
		cache:         store,
		authenticator: auth.NewAuthenticator(cfg),
		publisher:     publisher,
		redisClient:   redisClient,
		started:       time.Now(),
	}

	maintCleanup, err := StartMaintenance(deps)
	if err != nil {
		logs.Error("failed to start maintenance jobs", "err", err)
		cancel()
		shared.WaitForShutdown(ctx, 5*time.Second, cleanupFns...)
		return
	}
	cleanupFns = append(cleanupFns, maintCleanup)

	logs.Info("gateway running",
		"upstream", cfg.UpstreamBaseURL,
		"credentials", len(cfg.APIKeys),
		"stealth", cfg.StealthMode)

	go func() {
		if err := StartProxyServer(deps); err != nil {
			logs.Error("failed to start proxy server", "err", err)
			cancel()
		}
	}()

	// normal blocking shutdown path
	shared.WaitForShutdown(ctx, 5*time.Second, cleanupFns...)
}

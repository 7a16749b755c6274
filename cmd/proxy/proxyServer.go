package main

import (
	"net/http"
	"time"

	"gemini-stealth-gateway/cmd/proxy/middleware"
	"gemini-stealth-gateway/internal/cache"
	"gemini-stealth-gateway/internal/core/auth"
	"gemini-stealth-gateway/internal/core/config"
	"gemini-stealth-gateway/internal/events"
	"gemini-stealth-gateway/internal/forward"
	"gemini-stealth-gateway/internal/rotator"
	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	lmemory "github.com/ulule/limiter/v3/drivers/store/memory"
	lredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

type serverDeps struct {
	cfg           config.Config
	engine        *forward.Engine
	rotator       *rotator.Rotator
	cache         cache.Store
	authenticator *auth.Authenticator
	publisher     *events.Publisher
	redisClient   *redis.Client
	started       time.Time
}

type route struct {
	Path    string
	Handler http.HandlerFunc
}

func StartProxyServer(deps *serverDeps) error {
	cfg := deps.cfg

	// inbound per-caller rate limiting, shared across replicas when redis
	// is available
	rateLimit, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		logs.Error("failed to parse inbound rate limit", "rate", cfg.RateLimit, "err", err)
		return err
	}
	var store limiter.Store
	if deps.redisClient != nil {
		store, err = lredis.NewStoreWithOptions(deps.redisClient, limiter.StoreOptions{
			Prefix:          "limiter",
			CleanUpInterval: 5 * time.Minute,
		})
		if err != nil {
			logs.Error("failed to create redis limiter store", "err", err)
			return err
		}
	} else {
		store = lmemory.NewStore()
	}

	mux := http.NewServeMux()

	globalConstructors := []middleware.MiddlewareConstructor{
		middleware.CORSConstructor(),
	}

	proxyGroup := middleware.NewGroup(mux,
		append(globalConstructors,
			middleware.RateLimiterConstructor(store, rateLimit),
		)...,
	)
	statsGroup := middleware.NewGroup(mux,
		append(globalConstructors,
			middleware.BearerAuthConstructor(deps.authenticator),
		)...,
	)
	openGroup := middleware.NewGroup(mux, globalConstructors...)

	proxyRoutes := []route{
		{
			Path: "/gemini/",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				proxyHandler(w, r, deps)
			},
		},
	}
	for _, route := range proxyRoutes {
		proxyGroup.HandleFunc(route.Path, route.Handler)
	}

	statsGroup.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		statsHandler(w, r, deps)
	})
	statsGroup.HandleFunc("/ws/stats", func(w http.ResponseWriter, r *http.Request) {
		wsStatsHandler(w, r, deps)
	})

	openGroup.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	openGroup.Handle("/metrics", promhttp.Handler())

	logs.Info("proxy http server starting", "addr", ":"+cfg.ProxyPort)
	if err := http.ListenAndServe(":"+cfg.ProxyPort, mux); err != nil {
		logs.Error("proxy http server error", "err", err)
		return err
	}
	return nil
}

package main

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"gemini-stealth-gateway/internal/cache"
	rediscore "gemini-stealth-gateway/internal/core/redis"
	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/go-co-op/gocron/v2"
	antslib "github.com/panjf2000/ants/v2"
)

const (
	reclaimInterval  = 30 * time.Second
	sweepInterval    = time.Minute
	snapshotInterval = time.Minute
	probeInterval    = 5 * time.Minute

	probeLockKey = "proxy:probe:lock"
	probeTimeout = 10 * time.Second
	probePoolCap = 4

	snapshotKey = "proxy:pool:snapshot"
	snapshotTTL = 5 * time.Minute
)

// StartMaintenance runs the background jobs: credential reclamation sweeps,
// cache expiry sweeps, stats snapshots, and the backoff-credential prober.
// Returns a cleanup function for the shutdown chain.
func StartMaintenance(deps *serverDeps) (func(context.Context), error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	pool, err := antslib.NewPool(probePoolCap)
	if err != nil {
		return nil, err
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{
			name:     "reclaim",
			interval: reclaimInterval,
			run:      deps.rotator.Reclaim,
		},
		{
			name:     "cacheSweep",
			interval: sweepInterval,
			run: func() {
				if mem, ok := deps.cache.(*cache.Memory); ok {
					mem.Sweep()
				}
			},
		},
		{
			name:     "snapshot",
			interval: snapshotInterval,
			run: func() {
				snapshot := deps.rotator.Stats()
				logs.Info("pool snapshot",
					"available", snapshot.AvailableCount,
					"total", snapshot.TotalCount,
					"min_interval_seconds", snapshot.MinIntervalSeconds,
					"emergency_fallbacks", snapshot.EmergencyFallbacks)
				deps.publisher.PoolSnapshot(snapshot)
				if deps.redisClient != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := rediscore.SaveJSON(ctx, deps.redisClient, snapshotKey, snapshot, snapshotTTL); err != nil {
						logs.Warn("failed to persist pool snapshot", "err", err)
					}
				}
			},
		},
		{
			name:     "probe",
			interval: probeInterval,
			run: func() {
				probeBackoffCredentials(deps, pool)
			},
		},
	}

	for _, job := range jobs {
		if _, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.run),
			gocron.WithTags("maintenance:"+job.name),
		); err != nil {
			return nil, err
		}
		logs.Info("maintenance job scheduled", "job", job.name, "interval", job.interval)
	}

	sched.Start()

	cleanup := func(ctx context.Context) {
		if err := sched.Shutdown(); err != nil {
			logs.Warn("error shutting down maintenance scheduler", "err", err)
		}
		pool.Release()
	}
	return cleanup, nil
}

// probeBackoffCredentials checks whether backoff credentials answer a cheap
// models listing again and reclaims them early when they do. With redis
// configured, a distributed lock keeps one replica probing at a time.
func probeBackoffCredentials(deps *serverDeps, pool *antslib.Pool) {
	ctx := context.Background()

	if deps.redisClient != nil {
		acquired, release, err := rediscore.AcquireProbeLock(ctx, deps.redisClient, probeLockKey)
		if err != nil {
			logs.Warn("probe lock check failed, skipping probe cycle", "err", err)
			return
		}
		if !acquired {
			logs.Debug("another replica holds the probe lock, skipping")
			return
		}
		defer release()
	}

	backoff := deps.rotator.BackoffCredentials()
	if len(backoff) == 0 {
		return
	}
	logs.Info("probing backoff credentials", "count", len(backoff))

	client := &http.Client{Timeout: probeTimeout}
	for _, cred := range backoff {
		cred := cred
		err := pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Error("panic in credential probe", "key_suffix", cred.Suffix(), "error", r)
				}
			}()

			probeURL := deps.cfg.UpstreamBaseURL + "/v1beta/models?key=" + url.QueryEscape(cred.Secret())
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				logs.Debug("credential probe failed", "key_suffix", cred.Suffix(), "err", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				deps.rotator.ForceReclaim(cred)
			} else {
				logs.Debug("credential probe still failing",
					"key_suffix", cred.Suffix(),
					"status", resp.StatusCode)
			}
		})
		if err != nil {
			logs.Warn("failed to submit probe to pool", "key_suffix", cred.Suffix(), "err", err)
		}
	}
}

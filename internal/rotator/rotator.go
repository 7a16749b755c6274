package rotator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"
	"gemini-stealth-gateway/internal/shared/metrics"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// EventSink receives credential lifecycle notifications. Implementations
// must be non-blocking; a nil sink disables events.
type EventSink interface {
	CredentialEvent(kind, keySuffix string)
}

// Event kinds emitted through the EventSink.
const (
	EventQuotaExceeded     = "quota_exceeded"
	EventErrorBackoff      = "error_backoff"
	EventTimeoutBackoff    = "timeout_backoff"
	EventReclaimed         = "reclaimed"
	EventEmergencyFallback = "emergency_fallback"
)

// Credential is one upstream identity plus all of its rotation state. All
// mutable fields are guarded by the owning Rotator's lock.
type Credential struct {
	secret      string
	fingerprint Fingerprint

	lastUsed           time.Time
	quotaBackoffUntil  time.Time
	errorBackoffUntil  time.Time
	usageCount         int
	successCount       int
	failureCount       int
	quotaExceededCount int
	errorCount         int
	timeoutCount       int
	consecutiveErrors  int
	egressProxy        string
}

// Secret returns the full credential value for attaching to upstream calls.
func (c *Credential) Secret() string { return c.secret }

// Suffix returns the redacted form of the credential used in logs and stats.
func (c *Credential) Suffix() string { return logs.Suffix(c.secret) }

// Fingerprint returns the credential's derived behavioral profile.
func (c *Credential) Fingerprint() Fingerprint { return c.fingerprint }

// EgressProxy returns the bound egress proxy URL, or empty when unbound.
func (c *Credential) EgressProxy() string { return c.egressProxy }

func (c *Credential) inBackoff(now time.Time) bool {
	return now.Before(c.quotaBackoffUntil) || now.Before(c.errorBackoffUntil)
}

// Options configures a Rotator. Zero values fall back to the documented
// defaults.
type Options struct {
	Credentials       []string
	MinInterval       time.Duration // default 5s
	Jitter            float64       // seconds of selection jitter, default 0.3
	QuotaBackoffBase  time.Duration // default 5m
	ErrorThreshold    int           // consecutive errors before backoff, default 3
	ErrorCooldown     time.Duration // default 30m
	TimeoutUnit       time.Duration // backoff per accumulated timeout, default 2m
	EmergencyCooldown time.Duration // default 30s
	EgressProxies     []string
	PoolRate          rate.Limit // selections/sec across the pool, 0 = unlimited
	PoolBurst         int
	StickyCapacity    int // default 4096
	SessionCapacity   int // default 1024
	Clock             clockwork.Clock
	Events            EventSink
}

// Rotator owns the credential pool and every per-credential state
// transition. One exclusive lock covers all read-modify-write sequences;
// waits for a rate-limit window happen outside the lock.
type Rotator struct {
	mu    sync.Mutex
	clock clockwork.Clock
	rng   *rand.Rand

	creds []*Credential

	minInterval       time.Duration
	jitter            float64
	quotaBase         time.Duration
	errorThreshold    int
	errorCooldown     time.Duration
	timeoutUnit       time.Duration
	emergencyCooldown time.Duration

	egress     []string
	egressNext int

	sticky   *lruMap // request hash -> *Credential
	sessions *lruMap // client id -> []string of recent hashes

	// wake is closed and replaced whenever a credential may have become
	// selectable, releasing blocked callers without a tight poll loop.
	wake chan struct{}

	limiter        *rate.Limiter
	events         EventSink
	emergencyCount int
	mx             *metrics.RotatorMetrics
}

const weightCeiling = 100

// sessionHistoryLimit bounds the per-caller recent hash history.
const sessionHistoryLimit = 5

var ErrNoCredentials = errors.New("rotator: no credentials configured")

func New(opts Options) (*Rotator, error) {
	if len(opts.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	if opts.Jitter <= 0 {
		opts.Jitter = 0.3
	}
	if opts.QuotaBackoffBase <= 0 {
		opts.QuotaBackoffBase = 5 * time.Minute
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 3
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = 30 * time.Minute
	}
	if opts.TimeoutUnit <= 0 {
		opts.TimeoutUnit = 2 * time.Minute
	}
	if opts.EmergencyCooldown <= 0 {
		opts.EmergencyCooldown = 30 * time.Second
	}
	if opts.StickyCapacity <= 0 {
		opts.StickyCapacity = 4096
	}
	if opts.SessionCapacity <= 0 {
		opts.SessionCapacity = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	poolRate := opts.PoolRate
	if poolRate <= 0 {
		poolRate = rate.Inf
	}
	burst := opts.PoolBurst
	if burst <= 0 {
		burst = 1
	}

	creds := make([]*Credential, 0, len(opts.Credentials))
	for _, secret := range opts.Credentials {
		creds = append(creds, &Credential{
			secret:      secret,
			fingerprint: DeriveFingerprint(secret),
		})
	}

	r := &Rotator{
		clock:             opts.Clock,
		rng:               rand.New(rand.NewSource(opts.Clock.Now().UnixNano())),
		creds:             creds,
		minInterval:       opts.MinInterval,
		jitter:            opts.Jitter,
		quotaBase:         opts.QuotaBackoffBase,
		errorThreshold:    opts.ErrorThreshold,
		errorCooldown:     opts.ErrorCooldown,
		timeoutUnit:       opts.TimeoutUnit,
		emergencyCooldown: opts.EmergencyCooldown,
		egress:            opts.EgressProxies,
		sticky:            newLRUMap(opts.StickyCapacity),
		sessions:          newLRUMap(opts.SessionCapacity),
		wake:              make(chan struct{}),
		limiter:           rate.NewLimiter(poolRate, burst),
		events:            opts.Events,
		mx:                metrics.GetRotator(),
	}
	r.mx.Available.Set(float64(len(creds)))
	r.mx.MinIntervalSeconds.Set(r.minInterval.Seconds())

	logs.Info("credential rotator initialized",
		"credentials", len(creds),
		"min_interval", r.minInterval,
		"egress_proxies", len(r.egress))
	return r, nil
}

// Select returns a credential that satisfies the shared minimum interval,
// blocking until one becomes usable or the context ends. The request hash
// and client id drive sticky routing; either may be empty.
func (r *Rotator) Select(ctx context.Context, requestHash, clientID string) (*Credential, error) {
	start := r.clock.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	for {
		r.mu.Lock()
		reclaimed := r.reclaimLocked()
		if r.availableCountLocked() == 0 {
			r.mu.Unlock()
			r.emitEvents(reclaimed)
			if err := r.emergencyFallback(ctx); err != nil {
				return nil, err
			}
			continue
		}

		cand, mode := r.pickLocked(requestHash, clientID)
		now := r.clock.Now()
		wait := cand.lastUsed.Add(r.minInterval).Sub(now)
		if wait <= 0 {
			jit := time.Duration(r.rng.Float64() * r.jitter * cand.fingerprint.JitterMultiplier * float64(time.Second))
			cand.lastUsed = now.Add(jit)
			cand.usageCount++
			usage := cand.usageCount
			r.bindEgressLocked(cand)
			r.recordSessionLocked(clientID, requestHash)
			r.mu.Unlock()
			r.emitEvents(reclaimed)

			r.mx.Selections.WithLabelValues(mode).Inc()
			r.mx.SelectionWaitSecond.Observe(r.clock.Now().Sub(start).Seconds())
			logs.Debug("credential selected",
				"key_suffix", cand.Suffix(),
				"mode", mode,
				"usage", usage)
			return cand, nil
		}

		wakeCh := r.wake
		r.mu.Unlock()
		r.emitEvents(reclaimed)

		sleep := wait
		if md := cand.fingerprint.MinDelay; md < sleep {
			sleep = md
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wakeCh:
		case <-r.clock.After(sleep):
		}
	}
}

// emergencyFallback handles a fully exhausted pool: wait out a fixed
// cooldown, then force-reclaim the least-recently-used credential and
// double the shared minimum interval for the rest of the process lifetime.
func (r *Rotator) emergencyFallback(ctx context.Context) error {
	logs.Warn("credential pool exhausted, entering emergency fallback",
		"cooldown", r.emergencyCooldown)
	r.mx.EmergencyFallbacks.Inc()
	if r.events != nil {
		r.events.CredentialEvent(EventEmergencyFallback, "")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(r.emergencyCooldown):
	}

	r.mu.Lock()
	if r.availableCountLocked() > 0 {
		// Another caller's fallback already recovered the pool.
		r.mu.Unlock()
		return nil
	}
	var lru *Credential
	for _, c := range r.creds {
		if lru == nil || c.lastUsed.Before(lru.lastUsed) {
			lru = c
		}
	}
	lru.quotaBackoffUntil = time.Time{}
	lru.errorBackoffUntil = time.Time{}
	lru.consecutiveErrors = 0
	r.minInterval *= 2
	r.emergencyCount++
	r.mx.MinIntervalSeconds.Set(r.minInterval.Seconds())
	r.mx.Available.Set(float64(r.availableCountLocked()))
	r.broadcastLocked()
	suffix := lru.Suffix()
	interval := r.minInterval
	r.mu.Unlock()

	logs.Warn("force-reclaimed credential and doubled minimum interval",
		"key_suffix", suffix,
		"min_interval", interval)
	r.emitEvents([]string{suffix})
	return nil
}

// pickLocked chooses a candidate by precedence: exact sticky binding,
// session sticky binding, usage-weighted random, then any credential as an
// absolute fallback. Caller holds the lock and has verified the available
// set is non-empty.
func (r *Rotator) pickLocked(requestHash, clientID string) (*Credential, string) {
	now := r.clock.Now()

	if requestHash != "" {
		if v, ok := r.sticky.get(requestHash); ok {
			if c := v.(*Credential); !c.inBackoff(now) {
				return c, "sticky_hash"
			}
		}
	}

	if clientID != "" {
		if v, ok := r.sessions.get(clientID); ok {
			history := v.([]string)
			for i := len(history) - 1; i >= 0; i-- {
				if b, ok := r.sticky.get(history[i]); ok {
					if c := b.(*Credential); !c.inBackoff(now) {
						return c, "sticky_session"
					}
				}
			}
		}
	}

	total := 0
	for _, c := range r.creds {
		if c.inBackoff(now) {
			continue
		}
		total += credWeight(c)
	}
	if total > 0 {
		pick := r.rng.Intn(total)
		for _, c := range r.creds {
			if c.inBackoff(now) {
				continue
			}
			pick -= credWeight(c)
			if pick < 0 {
				return c, "weighted"
			}
		}
	}

	return r.creds[0], "fallback"
}

func credWeight(c *Credential) int {
	w := weightCeiling - c.usageCount
	if w < 1 {
		w = 1
	}
	return w
}

func (r *Rotator) recordSessionLocked(clientID, requestHash string) {
	if clientID == "" || requestHash == "" {
		return
	}
	var history []string
	if v, ok := r.sessions.get(clientID); ok {
		history = v.([]string)
	}
	history = append(history, requestHash)
	if len(history) > sessionHistoryLimit {
		history = history[len(history)-sessionHistoryLimit:]
	}
	r.sessions.put(clientID, history)
}

func (r *Rotator) bindEgressLocked(c *Credential) {
	if len(r.egress) == 0 || c.egressProxy != "" {
		return
	}
	c.egressProxy = r.egress[r.egressNext%len(r.egress)]
	r.egressNext++
	logs.Info("bound credential to egress proxy",
		"key_suffix", c.Suffix(),
		"egress", c.egressProxy)
}

// reclaimLocked returns elapsed-backoff credentials to the available set and
// reports their suffixes so the caller can emit events outside the lock.
func (r *Rotator) reclaimLocked() []string {
	now := r.clock.Now()
	var reclaimed []string
	for _, c := range r.creds {
		if c.inBackoff(now) {
			continue
		}
		if c.quotaBackoffUntil.IsZero() && c.errorBackoffUntil.IsZero() {
			continue
		}
		c.quotaBackoffUntil = time.Time{}
		c.errorBackoffUntil = time.Time{}
		c.consecutiveErrors = 0
		reclaimed = append(reclaimed, c.Suffix())
	}
	if len(reclaimed) > 0 {
		r.mx.Reclaims.Add(float64(len(reclaimed)))
		r.mx.Available.Set(float64(r.availableCountLocked()))
		r.broadcastLocked()
	}
	return reclaimed
}

func (r *Rotator) emitEvents(suffixes []string) {
	if r.events == nil {
		return
	}
	for _, s := range suffixes {
		r.events.CredentialEvent(EventReclaimed, s)
	}
}

// Reclaim runs one reclamation sweep. Selection already reclaims lazily;
// this keeps the available gauge fresh between requests.
func (r *Rotator) Reclaim() {
	r.mu.Lock()
	reclaimed := r.reclaimLocked()
	r.mu.Unlock()
	if len(reclaimed) > 0 {
		logs.Info("reclaimed credentials", "count", len(reclaimed))
	}
	r.emitEvents(reclaimed)
}

func (r *Rotator) availableCountLocked() int {
	now := r.clock.Now()
	count := 0
	for _, c := range r.creds {
		if !c.inBackoff(now) {
			count++
		}
	}
	return count
}

func (r *Rotator) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// MarkQuotaExceeded removes the credential from the available set with an
// exponentially growing backoff, capped at 5 * 2^12 minutes.
func (r *Rotator) MarkQuotaExceeded(c *Credential) {
	r.mu.Lock()
	exp := c.quotaExceededCount
	if exp > 12 {
		exp = 12
	}
	backoff := r.quotaBase * (1 << uint(exp))
	c.quotaBackoffUntil = r.clock.Now().Add(backoff)
	c.quotaExceededCount++
	count := c.quotaExceededCount
	r.mx.Available.Set(float64(r.availableCountLocked()))
	r.mu.Unlock()

	r.mx.Backoffs.WithLabelValues("quota").Inc()
	logs.Warn("credential quota exceeded",
		"key_suffix", c.Suffix(),
		"backoff", backoff,
		"quota_exceeded_count", count)
	if r.events != nil {
		r.events.CredentialEvent(EventQuotaExceeded, c.Suffix())
	}
}

// MarkResponse records an upstream status for the credential. A 200 binds
// the request hash for sticky routing; repeated non-200, non-429 statuses
// push the credential into a fixed error cooldown.
func (r *Rotator) MarkResponse(c *Credential, requestHash string, statusCode int) {
	var backedOff bool
	r.mu.Lock()
	switch {
	case statusCode == 200:
		c.successCount++
		c.consecutiveErrors = 0
		if requestHash != "" {
			r.sticky.put(requestHash, c)
		}
	case statusCode == 429:
		// Quota handling happens through MarkQuotaExceeded.
	default:
		c.failureCount++
		c.errorCount++
		c.consecutiveErrors++
		if c.consecutiveErrors >= r.errorThreshold {
			c.errorBackoffUntil = r.clock.Now().Add(r.errorCooldown)
			c.consecutiveErrors = 0
			backedOff = true
			r.mx.Available.Set(float64(r.availableCountLocked()))
		}
	}
	r.mu.Unlock()

	if backedOff {
		r.mx.Backoffs.WithLabelValues("error").Inc()
		logs.Warn("credential entered error backoff",
			"key_suffix", c.Suffix(),
			"cooldown", r.errorCooldown,
			"status", statusCode)
		if r.events != nil {
			r.events.CredentialEvent(EventErrorBackoff, c.Suffix())
		}
	}
}

// MarkTimeout flags the credential with a backoff that grows linearly with
// its accumulated timeout count. Timeouts usually point at network latency
// rather than provider throttling, so the curve is gentler than quota's.
func (r *Rotator) MarkTimeout(c *Credential) {
	r.mu.Lock()
	c.timeoutCount++
	c.failureCount++
	count := c.timeoutCount
	backoff := r.timeoutUnit * time.Duration(count)
	c.errorBackoffUntil = r.clock.Now().Add(backoff)
	r.mx.Available.Set(float64(r.availableCountLocked()))
	r.mu.Unlock()

	r.mx.Backoffs.WithLabelValues("timeout").Inc()
	logs.Warn("credential timed out",
		"key_suffix", c.Suffix(),
		"backoff", backoff,
		"timeout_count", count)
	if r.events != nil {
		r.events.CredentialEvent(EventTimeoutBackoff, c.Suffix())
	}
}

// ForceReclaim clears the credential's backoff state immediately. Used by
// the prober when a backoff credential answers a health check.
func (r *Rotator) ForceReclaim(c *Credential) {
	r.mu.Lock()
	c.quotaBackoffUntil = time.Time{}
	c.errorBackoffUntil = time.Time{}
	c.consecutiveErrors = 0
	r.mx.Available.Set(float64(r.availableCountLocked()))
	r.broadcastLocked()
	r.mu.Unlock()

	r.mx.Reclaims.Inc()
	logs.Info("credential force-reclaimed", "key_suffix", c.Suffix())
	r.emitEvents([]string{c.Suffix()})
}

// BackoffCredentials returns the credentials currently held in a backoff
// window, for the upstream prober.
func (r *Rotator) BackoffCredentials() []*Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []*Credential
	for _, c := range r.creds {
		if c.inBackoff(now) {
			out = append(out, c)
		}
	}
	return out
}

// AvailableCount reports how many credentials sit outside any backoff
// window right now.
func (r *Rotator) AvailableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableCountLocked()
}

// MinInterval returns the current shared minimum interval.
func (r *Rotator) MinInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minInterval
}

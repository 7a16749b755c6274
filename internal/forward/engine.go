package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gemini-stealth-gateway/internal/cache"
	"gemini-stealth-gateway/internal/rotator"
	"gemini-stealth-gateway/internal/shared/logs"
	"gemini-stealth-gateway/internal/shared/metrics"
	"gemini-stealth-gateway/internal/stealth"

	"github.com/jonboulle/clockwork"
)

// Options configures the forwarding engine.
type Options struct {
	BaseURL       string
	Rotator       *rotator.Rotator
	Cache         cache.Store
	Optimizer     *stealth.Optimizer
	Timeout       time.Duration // base per-attempt timeout, default 30s
	RetryAttempts int           // default 3
	BackoffBase   float64       // default 2
	Jitter        float64       // seconds of stealth pacing jitter, default 0.3
	Clock         clockwork.Clock
}

// Engine executes upstream attempts, classifies outcomes, drives the
// rotator's state transitions, and retries inside a bounded loop. It never
// surfaces a naked error to the caller: retry exhaustion produces a
// structured error response.
type Engine struct {
	baseURL       string
	rotator       *rotator.Rotator
	cache         cache.Store
	optimizer     *stealth.Optimizer
	timeout       time.Duration
	retryAttempts int
	backoffBase   float64
	jitter        float64
	clock         clockwork.Clock

	clientMu sync.Mutex
	clients  map[string]*http.Client

	rngMu sync.Mutex
	rng   *rand.Rand

	mx *metrics.ForwardingMetrics
}

// Result is the terminal outcome of a forwarded request, either the
// upstream response, a cached copy, or a structured error body.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
	FromCache   bool
	Err         *UpstreamError
}

func NewEngine(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2
	}
	if opts.Jitter <= 0 {
		opts.Jitter = 0.3
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		rotator:       opts.Rotator,
		cache:         opts.Cache,
		optimizer:     opts.Optimizer,
		timeout:       opts.Timeout,
		retryAttempts: opts.RetryAttempts,
		backoffBase:   opts.BackoffBase,
		jitter:        opts.Jitter,
		clock:         opts.Clock,
		clients:       make(map[string]*http.Client),
		rng:           rand.New(rand.NewSource(opts.Clock.Now().UnixNano())),
		mx:            metrics.GetForwarding(),
	}
}

// Forward runs the full normalize / cache / select / attempt / classify
// cycle for a buffered request.
func (e *Engine) Forward(ctx context.Context, method, path string, body []byte, header http.Header, query url.Values, clientID string) *Result {
	start := e.clock.Now()
	defer func() {
		e.mx.Requests.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	normalized := e.optimizer.Normalize(body, path)
	if err := e.stealthJitter(ctx, 1); err != nil {
		return e.structuredError(&UpstreamError{Class: ClassNetworkError, Message: "request cancelled"}, 0)
	}

	hash := RequestHash(path, normalized)
	if entry, ok := e.cache.Get(ctx, hash); ok {
		e.mx.CacheHits.Inc()
		logs.Debug("cache hit", "path", path)
		return &Result{
			StatusCode:  entry.StatusCode,
			Body:        entry.Payload,
			ContentType: entry.ContentType,
			FromCache:   true,
		}
	}
	e.mx.CacheMisses.Inc()

	attempts := 0
	var last *UpstreamError
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		cred, err := e.rotator.Select(ctx, hash, clientID)
		if err != nil {
			last = &UpstreamError{Class: ClassNetworkError, Message: "credential selection cancelled: " + err.Error()}
			break
		}

		attempts++
		res, uerr := e.attempt(ctx, method, path, normalized, header, query, cred, hash, attempt)
		if uerr == nil {
			if res.StatusCode >= 200 && res.StatusCode < 300 {
				e.cache.Put(ctx, hash, cache.Entry{
					Payload:     res.Body,
					StatusCode:  res.StatusCode,
					ContentType: res.ContentType,
				})
			}
			e.mx.Attempts.Observe(float64(attempts))
			return res
		}

		last = uerr
		e.mx.Errors.WithLabelValues(string(uerr.Class)).Inc()
		if attempt == e.retryAttempts-1 || !e.shouldRetry(uerr) {
			break
		}
		if err := e.backoffSleep(ctx, attempt); err != nil {
			break
		}
	}

	e.mx.Attempts.Observe(float64(attempts))
	return e.structuredError(last, attempts)
}

// ForwardStream runs the same selection and classification cycle but hands
// the live upstream response back for unbuffered relay. The response cache
// is bypassed entirely. The caller owns resp.Body when resp is non-nil.
func (e *Engine) ForwardStream(ctx context.Context, method, path string, body []byte, header http.Header, query url.Values, clientID string) (*http.Response, *Result) {
	normalized := e.optimizer.Normalize(body, path)
	if err := e.stealthJitter(ctx, 1); err != nil {
		return nil, e.structuredError(&UpstreamError{Class: ClassNetworkError, Message: "request cancelled"}, 0)
	}
	hash := RequestHash(path, normalized)

	attempts := 0
	var last *UpstreamError
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		cred, err := e.rotator.Select(ctx, hash, clientID)
		if err != nil {
			last = &UpstreamError{Class: ClassNetworkError, Message: "credential selection cancelled: " + err.Error()}
			break
		}

		attempts++
		resp, uerr := e.attemptStream(ctx, method, path, normalized, header, query, cred, hash, attempt)
		if uerr == nil {
			return resp, nil
		}

		last = uerr
		e.mx.Errors.WithLabelValues(string(uerr.Class)).Inc()
		if attempt == e.retryAttempts-1 || !e.shouldRetry(uerr) {
			break
		}
		if err := e.backoffSleep(ctx, attempt); err != nil {
			break
		}
	}
	return nil, e.structuredError(last, attempts)
}

// attempt performs one buffered upstream call and classifies the outcome.
// A nil UpstreamError means the result is terminal for this request,
// whether success or a relayable upstream status.
func (e *Engine) attempt(ctx context.Context, method, path string, body []byte, header http.Header, query url.Values, cred *rotator.Credential, hash string, attempt int) (*Result, *UpstreamError) {
	resp, uerr := e.doUpstream(ctx, method, path, body, header, query, cred, attempt)
	if uerr != nil {
		return nil, uerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// A truncated body is a failed attempt even when the status line
		// said success; never record it as one or bind the sticky hash.
		e.rotator.MarkResponse(cred, "", 0)
		return nil, &UpstreamError{
			Class:      ClassNetworkError,
			StatusCode: resp.StatusCode,
			Message:    "failed reading upstream body: " + err.Error(),
		}
	}

	if uerr := e.classify(resp, respBody, cred, hash); uerr != nil {
		return nil, uerr
	}
	return &Result{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// attemptStream mirrors attempt but leaves the body unread for 2xx and
// relayable statuses. Classification of credential failures happens on the
// status line and a bounded peek at the body.
func (e *Engine) attemptStream(ctx context.Context, method, path string, body []byte, header http.Header, query url.Values, cred *rotator.Credential, hash string, attempt int) (*http.Response, *UpstreamError) {
	resp, uerr := e.doUpstream(ctx, method, path, body, header, query, cred, attempt)
	if uerr != nil {
		return nil, uerr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.rotator.MarkResponse(cred, hash, resp.StatusCode)
		e.mx.Upstream.WithLabelValues(statusClass(resp.StatusCode)).Inc()
		return resp, nil
	}

	// Error statuses are small; buffer them so classify can see the body.
	peek, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if uerr := e.classify(resp, peek, cred, hash); uerr != nil {
		return nil, uerr
	}
	resp.Body = io.NopCloser(bytes.NewReader(peek))
	return resp, nil
}

// doUpstream builds and issues one upstream HTTP call with the credential
// attached and the per-attempt timeout applied.
func (e *Engine) doUpstream(ctx context.Context, method, path string, body []byte, header http.Header, query url.Values, cred *rotator.Credential, attempt int) (*http.Response, *UpstreamError) {
	fp := cred.Fingerprint()
	if err := e.stealthJitter(ctx, fp.JitterMultiplier); err != nil {
		return nil, &UpstreamError{Class: ClassNetworkError, Message: "request cancelled"}
	}

	// Bias is applied after hashing and cache lookup, so the cache key
	// stays independent of which credential serves the attempt.
	body = e.optimizer.ApplyBias(body, path, fp.TemperatureBias, fp.TopPBias)

	timeout := time.Duration(float64(e.timeout) * (1 + 0.5*float64(attempt)))
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, method, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Class: ClassNetworkError, Message: "failed building upstream request: " + err.Error()}
	}

	req.Header = cloneForUpstream(header)
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.optimizer.RandomizeHeaders(req.Header, fp.HeaderModificationChance)

	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("key", cred.Secret())
	req.URL.RawQuery = q.Encode()

	requestStart := e.clock.Now()
	resp, err := e.clientFor(cred.EgressProxy()).Do(req)
	if err != nil {
		if isTimeout(actx, err) {
			e.rotator.MarkTimeout(cred)
			logs.Warn("upstream attempt timed out",
				"path", path,
				"key_suffix", cred.Suffix(),
				"timeout", timeout,
				"attempt", attempt)
			return nil, &UpstreamError{Class: ClassTimeout, Message: "upstream timed out after " + timeout.String()}
		}
		logs.Error("upstream request failed",
			"path", path,
			"key_suffix", cred.Suffix(),
			"attempt", attempt,
			"err", err)
		return nil, &UpstreamError{Class: ClassNetworkError, Message: "upstream unreachable: " + err.Error()}
	}

	logs.Debug("upstream response received",
		"path", path,
		"status", resp.StatusCode,
		"key_suffix", cred.Suffix(),
		"attempt", attempt,
		"duration", e.clock.Now().Sub(requestStart))
	return resp, nil
}

// classify maps a non-2xx upstream response onto the error taxonomy and
// drives the matching rotator transition. A nil return means the status
// should be relayed to the caller as-is.
func (e *Engine) classify(resp *http.Response, body []byte, cred *rotator.Credential, hash string) *UpstreamError {
	status := resp.StatusCode
	e.mx.Upstream.WithLabelValues(statusClass(status)).Inc()

	switch {
	case status >= 200 && status < 300:
		e.rotator.MarkResponse(cred, hash, status)
		return nil

	case status == http.StatusTooManyRequests:
		e.rotator.MarkQuotaExceeded(cred)
		return &UpstreamError{
			Class:      ClassQuotaExceeded,
			StatusCode: status,
			RetryAfter: retryAfterTime(e.clock.Now(), resp.Header),
			Message:    "upstream quota exhausted for credential",
		}

	case isInvalidCredential(status, body):
		e.rotator.MarkQuotaExceeded(cred)
		return &UpstreamError{
			Class:      ClassInvalidCredential,
			StatusCode: status,
			Message:    "upstream rejected credential",
		}

	case status >= 500 || status == http.StatusForbidden:
		e.rotator.MarkResponse(cred, hash, status)
		return &UpstreamError{
			Class:      ClassTransientUpstream,
			StatusCode: status,
			Message:    "transient upstream failure",
		}

	default:
		// Caller-side 4xx (bad payload, unknown model). Relay untouched.
		e.rotator.MarkResponse(cred, hash, status)
		return nil
	}
}

var invalidCredentialMarkers = []string{
	"API_KEY_INVALID",
	"API key not valid",
	"API key expired",
	"CONSUMER_SUSPENDED",
}

func isInvalidCredential(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	s := string(body)
	for _, marker := range invalidCredentialMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func (e *Engine) shouldRetry(uerr *UpstreamError) bool {
	switch uerr.Class {
	case ClassInvalidCredential, ClassQuotaExceeded, ClassTimeout:
		return e.rotator.AvailableCount() >= 1
	case ClassTransientUpstream:
		// Avoid hammering a single surviving credential with a flaky upstream.
		return e.rotator.AvailableCount() > 1
	case ClassNetworkError:
		return true
	default:
		return false
	}
}

// structuredError builds the terminal error response after retry
// exhaustion: gateway-timeout for timeout-terminal failures, internal-error
// for everything else.
func (e *Engine) structuredError(last *UpstreamError, attempts int) *Result {
	if last == nil {
		last = &UpstreamError{Class: ClassNetworkError, Message: "no upstream attempt completed"}
	}
	status := http.StatusBadGateway
	class := "internal-error"
	if last.Class == ClassTimeout {
		status = http.StatusGatewayTimeout
		class = "gateway-timeout"
	}

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"class":    class,
			"message":  last.Message,
			"attempts": attempts,
		},
	})
	logs.Error("retry budget exhausted",
		"class", class,
		"terminal_class", string(last.Class),
		"attempts", attempts)
	return &Result{
		StatusCode:  status,
		Body:        body,
		ContentType: "application/json",
		Err:         last,
	}
}

func (e *Engine) stealthJitter(ctx context.Context, multiplier float64) error {
	if !e.optimizer.Stealth() {
		return nil
	}
	e.rngMu.Lock()
	d := time.Duration(e.rng.Float64() * e.jitter * multiplier * float64(time.Second))
	e.rngMu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

func (e *Engine) backoffSleep(ctx context.Context, attempt int) error {
	d := time.Duration(math.Pow(e.backoffBase, float64(attempt)) * float64(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func retryAfterTime(now time.Time, header http.Header) time.Time {
	v := header.Get("Retry-After")
	if v == "" {
		return time.Time{}
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return now.Add(time.Duration(seconds) * time.Second)
	}
	return time.Time{}
}

// hop-by-hop and identity headers that must not be forwarded upstream.
var strippedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Authorization",
	"X-Goog-Api-Key",
}

func cloneForUpstream(header http.Header) http.Header {
	out := http.Header{}
	for k, vs := range header {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range strippedHeaders {
		out.Del(k)
	}
	return out
}

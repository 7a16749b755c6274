package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ProxyPort string

	// Upstream provider
	UpstreamBaseURL string
	APIKeys         []string

	// Rotation and pacing
	PerKeyInterval      time.Duration
	QuotaBackoffMinutes int
	EmergencyCooldown   time.Duration
	EgressProxies       []string
	ProxyRotation       bool

	// Stealth
	StealthMode     bool
	Jitter          float64
	MaxOutputTokens int

	// Forwarding
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   float64

	// Response cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Optional backing services
	RedisURL string
	NATSURL  string

	// Inbound rate limit, ulule formatted (e.g. "10-S", "100-M")
	RateLimit string

	// Stats endpoint auth; empty disables auth
	AuthSecret string
}

func LoadConfig() Config {
	return Config{
		ProxyPort:           getEnv("PROXY_PORT", "5000"),
		UpstreamBaseURL:     getEnv("UPSTREAM_BASE_URL", "https://generativelanguage.googleapis.com"),
		APIKeys:             splitList(getEnv("GEMINI_API_KEYS", "")),
		PerKeyInterval:      getEnvSeconds("PER_KEY_INTERVAL", 5*time.Second),
		QuotaBackoffMinutes: getEnvInt("QUOTA_BACKOFF_MINUTES", 5),
		EmergencyCooldown:   getEnvSeconds("EMERGENCY_COOLDOWN", 30*time.Second),
		EgressProxies:       splitList(getEnv("EGRESS_PROXIES", "")),
		ProxyRotation:       getEnvBool("PROXY_ROTATION", false),
		StealthMode:         getEnvBool("STEALTH_MODE", true),
		Jitter:              getEnvFloat("JITTER", 0.3),
		MaxOutputTokens:     getEnvInt("MAX_OUTPUT_TOKENS", 4096),
		RequestTimeout:      getEnvSeconds("REQUEST_TIMEOUT", 30*time.Second),
		RetryAttempts:       getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBackoff:        getEnvFloat("RETRY_BACKOFF", 2.0),
		CacheTTL:            getEnvSeconds("CACHE_TTL_SECONDS", 300*time.Second),
		CacheMaxEntries:     getEnvInt("CACHE_MAX_ENTRIES", 1024),
		RedisURL:            getEnv("REDIS_URL", ""),
		NATSURL:             getEnv("NATS_URL", ""),
		RateLimit:           getEnv("RATE_LIMIT", "10-S"),
		AuthSecret:          getEnv("AUTH_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// getEnvSeconds reads a plain number of seconds, matching the original
// deployment's env files (PER_KEY_INTERVAL=5 etc).
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.ProxyPort != "5000" {
		t.Errorf("ProxyPort = %q, want 5000", cfg.ProxyPort)
	}
	if cfg.UpstreamBaseURL != "https://generativelanguage.googleapis.com" {
		t.Errorf("UpstreamBaseURL = %q", cfg.UpstreamBaseURL)
	}
	if cfg.PerKeyInterval != 5*time.Second {
		t.Errorf("PerKeyInterval = %v, want 5s", cfg.PerKeyInterval)
	}
	if !cfg.StealthMode {
		t.Error("StealthMode should default on")
	}
	if cfg.RetryAttempts != 3 || cfg.RetryBackoff != 2.0 {
		t.Errorf("retry defaults = %d/%v", cfg.RetryAttempts, cfg.RetryBackoff)
	}
	if cfg.CacheTTL != 300*time.Second {
		t.Errorf("CacheTTL = %v, want 300s", cfg.CacheTTL)
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("APIKeys should default empty, got %v", cfg.APIKeys)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "key-one, key-two ,,key-three")
	t.Setenv("PER_KEY_INTERVAL", "2.5")
	t.Setenv("STEALTH_MODE", "false")
	t.Setenv("PROXY_ROTATION", "yes")
	t.Setenv("QUOTA_BACKOFF_MINUTES", "10")

	cfg := LoadConfig()

	if len(cfg.APIKeys) != 3 || cfg.APIKeys[0] != "key-one" || cfg.APIKeys[2] != "key-three" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.PerKeyInterval != 2500*time.Millisecond {
		t.Errorf("PerKeyInterval = %v, want 2.5s", cfg.PerKeyInterval)
	}
	if cfg.StealthMode {
		t.Error("StealthMode should be off")
	}
	if !cfg.ProxyRotation {
		t.Error("ProxyRotation should be on")
	}
	if cfg.QuotaBackoffMinutes != 10 {
		t.Errorf("QuotaBackoffMinutes = %d", cfg.QuotaBackoffMinutes)
	}
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RETRY_ATTEMPTS", "lots")
	t.Setenv("JITTER", "very")
	t.Setenv("PER_KEY_INTERVAL", "-4")

	cfg := LoadConfig()
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want fallback 3", cfg.RetryAttempts)
	}
	if cfg.Jitter != 0.3 {
		t.Errorf("Jitter = %v, want fallback 0.3", cfg.Jitter)
	}
	if cfg.PerKeyInterval != 5*time.Second {
		t.Errorf("PerKeyInterval = %v, want fallback 5s", cfg.PerKeyInterval)
	}
}

package rotator

import (
	"fmt"
	"time"
)

// CredentialStats is the redacted per-credential counter snapshot exposed
// through the stats endpoint.
type CredentialStats struct {
	KeySuffix         string `json:"key_suffix"`
	Usage             int    `json:"usage"`
	Success           int    `json:"success"`
	Failure           int    `json:"failure"`
	QuotaExceeded     int    `json:"quota_exceeded"`
	Errors            int    `json:"errors"`
	Timeouts          int    `json:"timeouts"`
	Available         bool   `json:"available"`
	QuotaBackoffUntil string `json:"quota_backoff_until,omitempty"`
	ErrorBackoffUntil string `json:"error_backoff_until,omitempty"`
	EgressProxy       string `json:"egress_proxy,omitempty"`
}

// Stats is the pool-wide snapshot. Credentials are keyed "key_N" with only
// the secret suffix attached.
type Stats struct {
	Credentials        map[string]CredentialStats `json:"credentials"`
	TotalCount         int                        `json:"total_count"`
	AvailableCount     int                        `json:"available_count"`
	MinIntervalSeconds float64                    `json:"min_interval_seconds"`
	EgressBindings     int                        `json:"egress_bindings"`
	EmergencyFallbacks int                        `json:"emergency_fallbacks"`
	StickyBindings     int                        `json:"sticky_bindings"`
}

// Stats returns a consistent snapshot of the pool. Secrets never leave the
// package; only suffixes appear.
func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	out := Stats{
		Credentials:        make(map[string]CredentialStats, len(r.creds)),
		TotalCount:         len(r.creds),
		AvailableCount:     r.availableCountLocked(),
		MinIntervalSeconds: r.minInterval.Seconds(),
		EmergencyFallbacks: r.emergencyCount,
		StickyBindings:     r.sticky.len(),
	}
	for i, c := range r.creds {
		cs := CredentialStats{
			KeySuffix:     c.Suffix(),
			Usage:         c.usageCount,
			Success:       c.successCount,
			Failure:       c.failureCount,
			QuotaExceeded: c.quotaExceededCount,
			Errors:        c.errorCount,
			Timeouts:      c.timeoutCount,
			Available:     !c.inBackoff(now),
			EgressProxy:   c.egressProxy,
		}
		if now.Before(c.quotaBackoffUntil) {
			cs.QuotaBackoffUntil = c.quotaBackoffUntil.Format(time.RFC3339)
		}
		if now.Before(c.errorBackoffUntil) {
			cs.ErrorBackoffUntil = c.errorBackoffUntil.Format(time.RFC3339)
		}
		if c.egressProxy != "" {
			out.EgressBindings++
		}
		out.Credentials[fmt.Sprintf("key_%d", i)] = cs
	}
	return out
}

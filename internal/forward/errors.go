package forward

import (
	"errors"
	"fmt"
	"time"
)

// Class identifies why an upstream attempt failed. It drives both the retry
// decision and the terminal structured error returned to the caller.
type Class string

const (
	ClassInvalidCredential Class = "invalid_credential"
	ClassQuotaExceeded     Class = "quota_exceeded"
	ClassTransientUpstream Class = "transient_upstream"
	ClassTimeout           Class = "timeout"
	ClassNetworkError      Class = "network_error"
)

// UpstreamError is a classified upstream failure with enough context for
// the retry loop to act on it.
type UpstreamError struct {
	// Class is the failure taxonomy bucket
	Class Class
	// StatusCode is the upstream HTTP status, 0 for transport failures
	StatusCode int
	// RetryAfter is the upstream-suggested retry time, zero when absent
	RetryAfter time.Time
	// Message is a human-readable description, safe to surface to callers
	Message string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Class, e.Message)
}

// AsUpstreamError extracts an UpstreamError from an error chain, or nil.
func AsUpstreamError(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}

// IsTimeout checks if an error is a classified upstream timeout
func IsTimeout(err error) bool {
	ue := AsUpstreamError(err)
	return ue != nil && ue.Class == ClassTimeout
}

// IsQuotaExceeded checks if an error is a classified quota failure
func IsQuotaExceeded(err error) bool {
	ue := AsUpstreamError(err)
	return ue != nil && ue.Class == ClassQuotaExceeded
}

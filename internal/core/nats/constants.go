package nats

// Subject names for gateway telemetry
const (
	// SubjectCredentialEvents carries credential lifecycle events
	// (quota exceeded, backoff, reclaim, emergency fallback)
	SubjectCredentialEvents = "credentialEvents"

	// SubjectPoolSnapshots carries periodic pool stat snapshots
	SubjectPoolSnapshots = "poolSnapshots"
)

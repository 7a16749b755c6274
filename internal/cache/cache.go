package cache

import "context"

// Entry is one cached upstream response. Entries are immutable once stored;
// a newer successful response for the same hash simply overwrites.
type Entry struct {
	Payload     []byte `json:"payload"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
}

// Store is a short-TTL content-addressed response cache. Implementations
// never return errors: any backend failure degrades to a miss on reads and
// a silent drop on writes.
type Store interface {
	Get(ctx context.Context, hash string) (Entry, bool)
	Put(ctx context.Context, hash string, e Entry)
}

func success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

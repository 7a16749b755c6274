package middleware

import (
	"net/http"

	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/ulule/limiter/v3"
	lstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
)

func RateLimiterConstructor(store limiter.Store, rateLimit limiter.Rate) MiddlewareConstructor {
	return func(next http.Handler) http.Handler {
		l := limiter.New(store, rateLimit, limiter.WithTrustForwardHeader(true))
		mw := lstdlib.NewMiddleware(l)
		inner := mw.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			inner.ServeHTTP(sr, r)
			if sr.status == http.StatusTooManyRequests {
				remaining := sr.Header().Get("X-RateLimit-Remaining")
				logs.Warn("request rate-limited", "method", r.Method, "path", r.URL.Path, "ip", r.RemoteAddr, "remaining", remaining)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so streamed relays are not buffered by the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

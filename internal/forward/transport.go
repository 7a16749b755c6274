package forward

import (
	"net/http"
	"net/url"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"
)

// tunedTransport returns a configured HTTP transport. Egress-bound
// credentials get their own transport with the proxy pinned.
func tunedTransport(proxyURL *url.URL) *http.Transport {
	proxy := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxy = http.ProxyURL(proxyURL)
	}
	return &http.Transport{
		Proxy:                 proxy,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    false,
	}
}

// clientFor returns the HTTP client for an egress proxy, building one per
// distinct proxy so idle connections stay pinned to their egress path.
func (e *Engine) clientFor(egressProxy string) *http.Client {
	e.clientMu.Lock()
	defer e.clientMu.Unlock()

	if client, ok := e.clients[egressProxy]; ok {
		return client
	}

	var proxyURL *url.URL
	if egressProxy != "" {
		parsed, err := url.Parse(egressProxy)
		if err != nil {
			logs.Warn("invalid egress proxy url, using direct egress", "err", err)
		} else {
			proxyURL = parsed
		}
	}
	// Per-attempt deadlines come from the request context, not the client.
	client := &http.Client{Transport: tunedTransport(proxyURL)}
	e.clients[egressProxy] = client
	return client
}

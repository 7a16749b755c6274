package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gemini-stealth-gateway/internal/forward"
	"gemini-stealth-gateway/internal/rotator"
)

func TestClientAddr(t *testing.T) {
	cases := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.9, 10.0.0.1", "10.0.0.2:4000", "203.0.113.9"},
		{"forwarded single", "203.0.113.9", "10.0.0.2:4000", "203.0.113.9"},
		{"remote addr", "", "198.51.100.7:52044", "198.51.100.7"},
		{"remote addr without port", "", "198.51.100.7", "198.51.100.7"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/gemini/v1beta/models", nil)
			r.RemoteAddr = c.remoteAddr
			if c.xff != "" {
				r.Header.Set("X-Forwarded-For", c.xff)
			}
			if got := clientAddr(r); got != c.want {
				t.Errorf("clientAddr = %q, want %q", got, c.want)
			}
		})
	}
}

func TestProxyHandlerRejectsBarePrefix(t *testing.T) {
	deps := &serverDeps{started: time.Now()}

	rec := httptest.NewRecorder()
	proxyHandler(rec, httptest.NewRequest(http.MethodPost, "/gemini/", nil), deps)
	if rec.Code != http.StatusNotFound {
		t.Errorf("bare prefix status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
}

func TestStatsHandlerRedactsSecrets(t *testing.T) {
	secret := "stats-test-upstream-key-deadbeef"
	rot, err := rotator.New(rotator.Options{
		Credentials: []string{secret},
		MinInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("rotator.New: %v", err)
	}
	deps := &serverDeps{rotator: rot, started: time.Now().Add(-time.Minute)}

	rec := httptest.NewRecorder()
	statsHandler(rec, httptest.NewRequest(http.MethodGet, "/stats", nil), deps)

	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if strings.Contains(body, secret) {
		t.Fatal("stats response leaked a full credential")
	}

	var out statsResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("stats response not JSON: %v", err)
	}
	if out.Pool.TotalCount != 1 {
		t.Errorf("total count = %d, want 1", out.Pool.TotalCount)
	}
	if out.UptimeSeconds < 59 {
		t.Errorf("uptime = %v, want about a minute", out.UptimeSeconds)
	}
	if cs := out.Pool.Credentials["key_0"]; !strings.HasSuffix(secret, strings.TrimPrefix(cs.KeySuffix, "...")) {
		t.Errorf("key suffix %q does not match the credential tail", cs.KeySuffix)
	}
}

func TestWriteResultSetsCacheHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResult(rec, &forward.Result{
		StatusCode:  200,
		Body:        []byte(`{"candidates":[]}`),
		ContentType: "application/json",
		FromCache:   true,
	})

	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Proxy-Cache") != "HIT" {
		t.Error("missing cache hit header")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Error("missing content type")
	}

	rec = httptest.NewRecorder()
	writeResult(rec, &forward.Result{StatusCode: 502, Body: []byte(`{}`)})
	if rec.Header().Get("X-Proxy-Cache") != "" {
		t.Error("cache header set on a non-cached result")
	}
}

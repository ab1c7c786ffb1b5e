package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/endpoint"
	"github.com/tjfontaine/eventrelay/internal/signing"
	"github.com/tjfontaine/eventrelay/internal/storage/memory"
	"github.com/tjfontaine/eventrelay/internal/testutil"
	"github.com/tjfontaine/eventrelay/internal/transport"
)

type staticIdentity struct {
	id  string
	err error
}

func (s staticIdentity) Current() string { return s.id }

func (s staticIdentity) Resolve(ctx context.Context) (string, error) {
	return s.id, s.err
}

// engageServer answers with the queued statuses in order, then 200.
type engageServer struct {
	*httptest.Server
	mu       sync.Mutex
	statuses []int
	body     string
	requests []domain.EngagementRequest
	paths    []string
}

func newEngageServer(t *testing.T, body string, statuses ...int) *engageServer {
	t.Helper()
	es := &engageServer{statuses: statuses, body: body}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req domain.EngagementRequest
		_ = json.Unmarshal(raw, &req)

		es.mu.Lock()
		es.requests = append(es.requests, req)
		es.paths = append(es.paths, r.URL.Path)
		status := http.StatusOK
		if len(es.statuses) > 0 {
			status = es.statuses[0]
			es.statuses = es.statuses[1:]
		}
		es.mu.Unlock()

		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(es.body))
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *engageServer) calls() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.requests)
}

func (es *engageServer) lastRequest() domain.EngagementRequest {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.requests[len(es.requests)-1]
}

func (es *engageServer) lastPath() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.paths[len(es.paths)-1]
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Cache:     NewCache(context.Background(), memory.New()),
		Identity:  staticIdentity{id: "user-1"},
		Transport: transport.NewClient(transport.WithTimeout(2 * time.Second)),
		Endpoints: endpoint.New("", url, "env-key"),
		SDK: SDKInfo{
			APIVersion: "4",
			SDKVersion: "eventrelay-go-1.0.0",
			Platform:   "LINUX",
			Locale:     "en_GB",
		},
		SessionID: func() string { return "session-1" },
		Now: func() time.Time {
			return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_FreshThenCachedThenEmpty(t *testing.T) {
	ctx := context.Background()
	es := newEngageServer(t, `{"parameters":{"colour":"red"}}`, http.StatusOK, http.StatusInternalServerError)
	c := newTestClient(t, es.URL, nil)

	fresh := c.Request(ctx, "offer", nil)
	if fresh.Source != domain.SourceFresh || fresh.Err != nil {
		t.Fatalf("first request = %v (%v), want fresh", fresh.Source, fresh.Err)
	}
	params, _ := fresh.Response["parameters"].(map[string]any)
	if params["colour"] != "red" {
		t.Errorf("Response = %v", fresh.Response)
	}

	cached := c.Request(ctx, "offer", nil)
	if cached.Source != domain.SourceCached {
		t.Fatalf("second request = %v, want cached", cached.Source)
	}
	if string(cached.Raw) != `{"parameters":{"colour":"red"}}` {
		t.Errorf("cached Raw = %s", cached.Raw)
	}
	var netErr *domain.NetworkError
	if !errors.As(cached.Err, &netErr) || netErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("cached Err = %v, want status 500", cached.Err)
	}
	if !IsFallback(cached) {
		t.Error("IsFallback should report a network fallback")
	}

	es.Close()
	missing := c.Request(ctx, "other", nil)
	if !missing.Empty() || missing.Raw != nil {
		t.Errorf("uncached failure = %v, want empty", missing.Source)
	}
	if !errors.Is(missing.Err, domain.ErrNetworkFailure) {
		t.Errorf("Err = %v, want ErrNetworkFailure", missing.Err)
	}
}

func TestClient_NoRetry(t *testing.T) {
	es := newEngageServer(t, `{}`, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	c := newTestClient(t, es.URL, nil)

	r := c.Request(context.Background(), "dp", nil)
	if !r.Empty() {
		t.Errorf("Source = %v, want empty", r.Source)
	}
	if es.calls() != 1 {
		t.Errorf("server calls = %d, want exactly 1", es.calls())
	}
}

func TestClient_RequestBody(t *testing.T) {
	es := newEngageServer(t, `{}`)
	c := newTestClient(t, es.URL, nil)

	params := domain.NewParams().Set("level", 3).Set("mode", "hard")
	c.Request(context.Background(), "start", params)

	got := es.lastRequest()
	if got.UserID != "user-1" || got.DecisionPoint != "start" || got.SessionID != "session-1" {
		t.Errorf("identity fields = %+v", got)
	}
	if got.Version != "4" || got.SDKVersion != "eventrelay-go-1.0.0" || got.Platform != "LINUX" {
		t.Errorf("sdk fields = %+v", got)
	}
	if got.TimezoneOffset != "+0100" {
		t.Errorf("TimezoneOffset = %q, want +0100", got.TimezoneOffset)
	}
	if got.Locale != "en_GB" {
		t.Errorf("Locale = %q", got.Locale)
	}
	if v, _ := got.Parameters.Get("mode"); v != "hard" {
		t.Errorf("Parameters[mode] = %v", v)
	}
	if es.lastPath() != "/env-key" {
		t.Errorf("path = %q, want /env-key", es.lastPath())
	}
}

func TestClient_SignedEndpoint(t *testing.T) {
	es := newEngageServer(t, `{}`)
	c := newTestClient(t, es.URL, func(cfg *Config) { cfg.Secret = "s3cr3t" })

	c.Request(context.Background(), "dp", nil)

	path := es.lastPath()
	if !strings.HasPrefix(path, "/env-key/hash/") {
		t.Fatalf("path = %q, want signed endpoint", path)
	}
	hash := strings.TrimPrefix(path, "/env-key/hash/")
	if len(hash) != 32 {
		t.Errorf("hash = %q, want 32 hex chars", hash)
	}
}

func TestClient_SignatureMatchesBody(t *testing.T) {
	var body, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body, path = string(raw), r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, func(cfg *Config) { cfg.Secret = "s3cr3t" })
	c.Request(context.Background(), "dp", nil)

	if want := "/env-key/hash/" + signing.Sign(body, "s3cr3t"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

func TestClient_InvalidDecisionPoint(t *testing.T) {
	es := newEngageServer(t, `{}`)
	c := newTestClient(t, es.URL, nil)

	r := c.Request(context.Background(), "", nil)
	if !r.Empty() || !errors.Is(r.Err, domain.ErrInvalidDecisionPoint) {
		t.Errorf("result = %v (%v), want empty ErrInvalidDecisionPoint", r.Source, r.Err)
	}
	if es.calls() != 0 {
		t.Errorf("server calls = %d, want 0", es.calls())
	}
}

func TestClient_SerializationFailure(t *testing.T) {
	es := newEngageServer(t, `{}`)
	c := newTestClient(t, es.URL, nil)
	c.cfg.Cache.Put(context.Background(), "dp", `{"stale":true}`)

	r := c.Request(context.Background(), "dp", domain.NewParams().Set("bad", make(chan int)))
	if !r.Empty() || !errors.Is(r.Err, domain.ErrSerialization) {
		t.Errorf("result = %v (%v), want empty ErrSerialization", r.Source, r.Err)
	}
	if es.calls() != 0 {
		t.Errorf("server calls = %d, want no network I/O", es.calls())
	}
}

func TestClient_NonObjectResponseFallsBack(t *testing.T) {
	es := newEngageServer(t, `[1,2,3]`)
	c := newTestClient(t, es.URL, nil)
	c.cfg.Cache.Put(context.Background(), "dp", `{"cached":true}`)

	r := c.Request(context.Background(), "dp", nil)
	if r.Source != domain.SourceCached {
		t.Errorf("Source = %v, want cached", r.Source)
	}
	if got, _ := c.cfg.Cache.Get("dp"); got != `{"cached":true}` {
		t.Errorf("cache overwritten with %q", got)
	}
}

func TestClient_MissingIdentityStillSends(t *testing.T) {
	es := newEngageServer(t, `{}`)
	c := newTestClient(t, es.URL, func(cfg *Config) {
		cfg.Identity = staticIdentity{err: domain.ErrIdentityUnavailable}
	})

	r := c.Request(context.Background(), "dp", nil)
	if r.Source != domain.SourceFresh {
		t.Errorf("Source = %v, want fresh", r.Source)
	}
	if got := es.lastRequest().UserID; got != "" {
		t.Errorf("UserID = %q, want empty", got)
	}
}

func TestClient_RejectsConcurrentRequest(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, nil)

	results := make(chan domain.EngagementResult, 2)
	c.RequestAsync(context.Background(), "first", nil, func(r domain.EngagementResult) { results <- r })

	deadline := time.Now().Add(2 * time.Second)
	for !c.InFlight() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := c.Request(context.Background(), "second", nil)
	if !second.Empty() || !errors.Is(second.Err, domain.ErrEngagementInProgress) {
		t.Errorf("second = %v (%v), want empty ErrEngagementInProgress", second.Source, second.Err)
	}

	close(release)
	first := <-results
	if first.Source != domain.SourceFresh {
		t.Errorf("first = %v, want fresh", first.Source)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	if c.InFlight() {
		t.Error("guard should be released after completion")
	}
}

func TestClient_AsyncCallbackOnce(t *testing.T) {
	es := newEngageServer(t, `{}`, http.StatusBadGateway)
	c := newTestClient(t, es.URL, nil)

	var count atomic.Int32
	done := make(chan struct{})
	c.RequestAsync(context.Background(), "dp", nil, func(r domain.EngagementResult) {
		count.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("callback count = %d, want 1", count.Load())
	}
}

func TestClient_Replay(t *testing.T) {
	c := newTestClient(t, "https://engage.example.test", func(cfg *Config) {
		cfg.Transport = testutil.VCRTransport(t, "engage_offer")
	})

	r := c.Request(context.Background(), "offer", nil)
	if r.Source != domain.SourceFresh {
		t.Fatalf("Source = %v (%v), want fresh", r.Source, r.Err)
	}
	if r.Response["transactionID"] != "2847118924553740288" {
		t.Errorf("transactionID = %v", r.Response["transactionID"])
	}
	if !c.cfg.Cache.Has("offer") {
		t.Error("fresh response should be cached")
	}
}

func TestTimezoneOffset(t *testing.T) {
	tests := []struct {
		offset int
		want   string
	}{
		{0, "+0000"},
		{3600, "+0100"},
		{-5 * 3600, "-0500"},
		{5*3600 + 1800, "+0530"},
	}
	for _, tt := range tests {
		ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("", tt.offset))
		if got := TimezoneOffset(ts); got != tt.want {
			t.Errorf("TimezoneOffset(%d) = %q, want %q", tt.offset, got, tt.want)
		}
	}
}

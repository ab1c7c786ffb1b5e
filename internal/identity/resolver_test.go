package identity

import (
	"context"
	"errors"
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
	"github.com/tjfontaine/eventrelay/internal/transport"
)

func newResolver(t *testing.T, url string, attempts int) (*Resolver, *memory.Store) {
	t.Helper()
	store := memory.New()
	r := New(context.Background(), Config{
		Store:     store,
		Transport: transport.NewClient(),
		Endpoints: endpoint.New(url, url, "env-key"),
		Retry:     transport.RetryPolicy{MaxAttempts: attempts, Delay: time.Millisecond},
	})
	return r, store
}

func TestResolver_ReturnsExistingIDWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	store := memory.New()
	store.SetUserID(context.Background(), "stored-id")

	r := New(context.Background(), Config{
		Store:     store,
		Transport: transport.NewClient(),
		Endpoints: endpoint.New(ts.URL, ts.URL, "env-key"),
	})

	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id != "stored-id" {
		t.Errorf("Resolve() = %q, want stored-id", id)
	}
	if calls.Load() != 0 {
		t.Errorf("network calls = %d, want 0", calls.Load())
	}
	if r.State() != domain.IdentityResolvedLocal {
		t.Errorf("State() = %v, want resolved_local", r.State())
	}
}

func TestResolver_RemoteIssuanceWithRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/env-key/userid" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("_") == "" {
			t.Error("missing cache-busting query parameter")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"userID":"remote-123"}`))
	}))
	defer ts.Close()

	r, store := newResolver(t, ts.URL, 3)

	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id != "remote-123" {
		t.Errorf("Resolve() = %q, want remote-123", id)
	}
	if r.State() != domain.IdentityResolvedRemote {
		t.Errorf("State() = %v, want resolved_remote", r.State())
	}
	if stored, _ := store.GetUserID(context.Background()); stored != "remote-123" {
		t.Errorf("persisted id = %q", stored)
	}

	// Resolved ids are reused.
	r.Resolve(context.Background())
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestResolver_ExhaustedRetriesLeaveUnresolved(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	r, _ := newResolver(t, ts.URL, 2)

	id, err := r.Resolve(context.Background())
	if id != "" {
		t.Errorf("Resolve() = %q, want empty", id)
	}
	if !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Errorf("error = %v, want ErrIdentityUnavailable", err)
	}
	if r.State() != domain.IdentityUnresolved {
		t.Errorf("State() = %v, want unresolved", r.State())
	}

	// The next resolution tries again.
	r.Resolve(context.Background())
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", calls.Load())
	}
}

func TestResolver_SingleFlight(t *testing.T) {
	tests := []struct {
		name   string
		status int
		wantID string
	}{
		{name: "success", status: http.StatusOK, wantID: "shared-id"},
		{name: "failure", status: http.StatusBadGateway, wantID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			hit := make(chan struct{}, 1)
			release := make(chan struct{})

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				select {
				case hit <- struct{}{}:
				default:
				}
				<-release
				w.WriteHeader(tt.status)
				if tt.status == http.StatusOK {
					w.Write([]byte(`{"userID":"shared-id"}`))
				}
			}))
			defer ts.Close()

			r, _ := newResolver(t, ts.URL, 1)

			const callers = 10
			results := make([]string, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], _ = r.Resolve(context.Background())
				}(i)
			}

			<-hit
			if r.State() != domain.IdentityResolutionInProgress {
				t.Errorf("State() = %v, want resolution_in_progress", r.State())
			}
			// Give every caller time to join the in-flight resolution.
			time.Sleep(100 * time.Millisecond)
			close(release)
			wg.Wait()

			if calls.Load() != 1 {
				t.Errorf("network calls = %d, want 1", calls.Load())
			}
			for i, got := range results {
				if got != tt.wantID {
					t.Errorf("caller %d got %q, want %q", i, got, tt.wantID)
				}
			}
		})
	}
}

func TestResolver_SignedRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bust := r.URL.Query().Get("_")
		want := "/env-key/userid/hash/" + signing.Sign(bust, "s3cr3t")
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		w.Write([]byte(`{"userID":"signed-id"}`))
	}))
	defer ts.Close()

	r := New(context.Background(), Config{
		Transport: transport.NewClient(),
		Endpoints: endpoint.New(ts.URL, ts.URL, "env-key"),
		Secret:    "s3cr3t",
		Retry:     transport.RetryPolicy{MaxAttempts: 1},
	})

	if id, err := r.Resolve(context.Background()); err != nil || id != "signed-id" {
		t.Errorf("Resolve() = %q, %v", id, err)
	}
}

func TestResolver_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"wrong-field"}`))
	}))
	defer ts.Close()

	r, _ := newResolver(t, ts.URL, 1)
	_, err := r.Resolve(context.Background())
	if !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Errorf("error = %v, want ErrIdentityUnavailable", err)
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Errorf("error = %v, want malformed response", err)
	}
}

func TestResolver_SetGenerateReset(t *testing.T) {
	ctx := context.Background()
	r := New(ctx, Config{Store: memory.New()})

	if got := r.Set(ctx, "explicit"); got != "explicit" {
		t.Errorf("Set() = %q", got)
	}
	if got := r.Set(ctx, "other"); got != "explicit" {
		t.Errorf("Set() on resolved id = %q, want explicit kept", got)
	}
	if got := r.GenerateLocal(ctx); got != "explicit" {
		t.Errorf("GenerateLocal() = %q, want existing id", got)
	}

	if err := r.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if r.Current() != "" || r.State() != domain.IdentityUnresolved {
		t.Errorf("after Reset: id=%q state=%v", r.Current(), r.State())
	}

	generated := r.GenerateLocal(ctx)
	if len(generated) != 36 {
		t.Errorf("GenerateLocal() = %q, want uuid", generated)
	}
	if r.State() != domain.IdentityResolvedLocal {
		t.Errorf("State() = %v, want resolved_local", r.State())
	}
}

func TestResolver_CanceledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	hit := make(chan struct{}, 1)
	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case hit <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(`{"userID":"survivor-id"}`))
	}))
	defer ts.Close()

	r, _ := newResolver(t, ts.URL, 1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx)
		firstErr <- err
	}()
	<-hit

	type outcome struct {
		id  string
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		id, err := r.Resolve(context.Background())
		second <- outcome{id, err}
	}()
	// Give the second caller time to join the in-flight resolution.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, domain.ErrIdentityUnavailable) || !errors.Is(err, context.Canceled) {
			t.Errorf("canceled caller error = %v, want ErrIdentityUnavailable wrapping context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller kept waiting on the shared resolution")
	}

	close(release)
	select {
	case got := <-second:
		if got.err != nil || got.id != "survivor-id" {
			t.Errorf("second caller Resolve() = %q, %v; want survivor-id", got.id, got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not receive the shared result")
	}

	if calls.Load() != 1 {
		t.Errorf("issuance requests = %d, want 1", calls.Load())
	}
	if r.Current() != "survivor-id" {
		t.Errorf("Current() = %q, want survivor-id", r.Current())
	}
}

// Package identity resolves and persists the stable user id.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/endpoint"
	"github.com/tjfontaine/eventrelay/internal/signing"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
	"github.com/tjfontaine/eventrelay/internal/transport"
)

const flightKey = "user_id"

// Config configures a Resolver.
type Config struct {
	Store     ports.IdentityStore
	Transport ports.HTTPTransport
	Endpoints endpoint.Endpoints
	Secret    string
	Retry     transport.RetryPolicy
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	// Now is used for the cache-busting timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Resolver owns the user id. At most one issuance request is in flight at a
// time no matter how many callers ask to resolve concurrently.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	userID string
	state  domain.IdentityState

	flight singleflight.Group
}

// New creates a Resolver, loading any persisted user id.
func New(ctx context.Context, cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Resolver{cfg: cfg, logger: logger}

	if cfg.Store != nil {
		id, err := cfg.Store.GetUserID(ctx)
		if err != nil {
			logger.Warn("failed to load user id", slog.String("error", err.Error()))
		}
		if id != "" {
			r.userID = id
			r.state = domain.IdentityResolvedLocal
		}
	}
	return r
}

// Current returns the user id, or "" while unresolved.
func (r *Resolver) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

// State returns the resolution state.
func (r *Resolver) State() domain.IdentityState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Set assigns an explicit user id and returns the id in effect. An id that is
// already resolved is kept; use Reset first to replace it.
func (r *Resolver) Set(ctx context.Context, userID string) string {
	if userID == "" {
		return r.Current()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userID != "" && r.userID != userID {
		r.logger.Warn("user id already set, ignoring new value",
			slog.String("current", r.userID),
			slog.String("requested", userID))
		return r.userID
	}
	if err := r.persist(ctx, userID); err != nil {
		r.logger.Warn("failed to persist user id", slog.String("error", err.Error()))
	}
	r.userID = userID
	r.state = domain.IdentityResolvedLocal
	return userID
}

// GenerateLocal assigns a random user id if none is set yet.
func (r *Resolver) GenerateLocal(ctx context.Context) string {
	if id := r.Current(); id != "" {
		return id
	}
	return r.Set(ctx, uuid.NewString())
}

// Reset forgets the user id in memory and in storage.
func (r *Resolver) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.ResetUserID(ctx); err != nil {
			return fmt.Errorf("reset user id: %w", err)
		}
	}
	r.userID = ""
	r.state = domain.IdentityUnresolved
	return nil
}

// Resolve returns the user id, requesting one from the issuance endpoint if
// needed. Concurrent callers share a single in-flight request and all receive
// its outcome. On failure it returns "" and ErrIdentityUnavailable, leaving
// the identity unresolved for the next attempt.
//
// The shared request is not tied to any one caller's ctx: a caller whose ctx
// is done stops waiting and gets ErrIdentityUnavailable, while the request
// carries on for the others.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if id := r.Current(); id != "" {
		return id, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(flightKey, func() (any, error) {
		return r.issue(flightCtx)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, ctx.Err())
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("joined in-flight user id resolution")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Resolver) issue(ctx context.Context) (string, error) {
	// Another flight may have finished between Current() and Do.
	if id := r.Current(); id != "" {
		return id, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "identity.resolve")
	defer span.End()

	r.setState(domain.IdentityResolutionInProgress)

	if r.cfg.Transport == nil {
		r.setState(domain.IdentityUnresolved)
		return "", fmt.Errorf("%w: no transport configured", domain.ErrIdentityUnavailable)
	}

	ts := r.cfg.Now()
	hash := signing.SignIfConfigured(endpoint.CacheBuster(ts), r.cfg.Secret)
	url := r.cfg.Endpoints.UserID(hash, ts)

	resp, err := r.cfg.Retry.Send(ctx, r.cfg.Transport, http.MethodGet, url, nil, func(n int) {
		r.cfg.Metrics.IncIdentityRequests()
		r.logger.Debug("requesting user id", slog.Int("attempt", n))
	})
	if err != nil {
		r.setState(domain.IdentityUnresolved)
		span.RecordError(err)
		span.SetStatus(codes.Error, "issuance failed")
		r.logger.Warn("user id resolution failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, err)
	}

	var body domain.UserIDResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.UserID == "" {
		r.setState(domain.IdentityUnresolved)
		span.SetStatus(codes.Error, "malformed issuance response")
		r.logger.Warn("user id response malformed", slog.String("body", string(resp.Body)))
		return "", fmt.Errorf("%w: malformed issuance response", domain.ErrIdentityUnavailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(ctx, body.UserID); err != nil {
		r.logger.Warn("failed to persist user id", slog.String("error", err.Error()))
	}
	r.userID = body.UserID
	r.state = domain.IdentityResolvedRemote
	span.SetAttributes(attribute.String("user_id", body.UserID))
	r.logger.Info("user id resolved", slog.String("user_id", body.UserID))
	return body.UserID, nil
}

func (r *Resolver) setState(s domain.IdentityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// persist writes the id; callers hold r.mu.
func (r *Resolver) persist(ctx context.Context, userID string) error {
	if r.cfg.Store == nil {
		return nil
	}
	if err := r.cfg.Store.SetUserID(ctx, userID); err != nil {
		return fmt.Errorf("persist user id: %w", err)
	}
	return nil
}

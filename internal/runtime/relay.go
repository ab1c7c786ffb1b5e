// Package runtime provides Relay, the owned context object that wires the
// event queue, identity resolver, upload pipeline, and engagement client
// together and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/endpoint"
	"github.com/tjfontaine/eventrelay/internal/engagement"
	"github.com/tjfontaine/eventrelay/internal/identity"
	"github.com/tjfontaine/eventrelay/internal/pkg/config"
	"github.com/tjfontaine/eventrelay/internal/queue"
	"github.com/tjfontaine/eventrelay/internal/scheduler"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
	"github.com/tjfontaine/eventrelay/internal/transport"
	"github.com/tjfontaine/eventrelay/internal/upload"
)

// Relay owns all pipeline state. Create one with New and release it with
// Close; every method on a closed or zero Relay reports ErrNotInitialized.
type Relay struct {
	// Dependencies (injected via options)
	cfg         *config.Config
	eventsStore ports.StorageProvider
	engageStore ports.StorageProvider
	transport   ports.HTTPTransport
	logger      *slog.Logger
	registry    *prometheus.Registry

	// Components
	metrics   *telemetry.Metrics
	endpoints endpoint.Endpoints
	sessionID string
	queue     *queue.Store
	identity  *identity.Resolver
	uploader  *upload.Pipeline
	cache     *engagement.Cache
	engage    *engagement.Client
	scheduler *scheduler.Scheduler

	mu    sync.RWMutex
	ready bool
}

// New creates a Relay, loading persisted state from storage. Without a
// storage option the configured storage.type decides.
func New(ctx context.Context, opts ...Option) (*Relay, error) {
	r := &Relay{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			r.closeStores()
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.cfg == nil {
		r.closeStores()
		return nil, fmt.Errorf("config required (use WithConfig)")
	}
	if err := r.cfg.Validate(); err != nil {
		r.closeStores()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	if r.eventsStore == nil {
		var opt Option
		switch r.cfg.Storage.Type {
		case "memory":
			opt = WithMemoryStorage()
		default:
			opt = WithSQLite(r.cfg.Storage.EventsPath, r.cfg.Storage.EngagePath)
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.transport == nil {
		r.transport = transport.NewClient(
			transport.WithTimeout(r.cfg.HTTP.Timeout),
			transport.WithUserAgent(r.cfg.SDK.SDKVersion),
		)
	}
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
	}

	r.metrics = telemetry.NewMetrics(r.registry)
	r.endpoints = endpoint.New(r.cfg.Collect.URL, r.cfg.Engage.URL, r.cfg.EnvKey)
	r.sessionID = uuid.NewString()

	if err := r.initComponents(ctx); err != nil {
		r.closeStores()
		return nil, err
	}

	r.ready = true

	r.logger.Info("relay initialized",
		slog.String("session_id", r.sessionID),
		slog.String("user_id", r.identity.Current()),
		slog.Bool("events_durable", r.queue.Durable()),
		slog.Bool("engagements_durable", r.cache.Durable()),
		slog.Int("queued", r.queue.Len()))

	if r.cfg.Upload.Auto {
		if err := r.StartAutoUpload(); err != nil {
			r.Close()
			return nil, fmt.Errorf("start upload scheduler: %w", err)
		}
	}

	return r, nil
}

func (r *Relay) initComponents(ctx context.Context) error {
	cfg := r.cfg

	queueOpts := []queue.Option{
		queue.WithCapacity(cfg.Queue.MaxEvents),
		queue.WithLogger(r.logger),
		queue.WithMetrics(r.metrics),
	}
	if cfg.Storage.ResetEvents {
		queueOpts = append(queueOpts, queue.WithReset())
	}
	r.queue = queue.New(ctx, r.eventsStore, queueOpts...)

	r.identity = identity.New(ctx, identity.Config{
		Store:     r.eventsStore,
		Transport: r.transport,
		Endpoints: r.endpoints,
		Secret:    cfg.HashSecret,
		Retry:     transport.RetryPolicy{MaxAttempts: cfg.Identity.MaxAttempts, Delay: cfg.Identity.RetryDelay},
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	switch {
	case cfg.Identity.UserID != "":
		r.identity.Set(ctx, cfg.Identity.UserID)
	case cfg.Identity.GenerateLocally && r.identity.Current() == "":
		r.identity.GenerateLocal(ctx)
	}

	cacheOpts := []engagement.CacheOption{
		engagement.WithCacheLogger(r.logger),
		engagement.WithCacheMetrics(r.metrics),
	}
	if cfg.Storage.ResetEngagements {
		cacheOpts = append(cacheOpts, engagement.WithCacheReset())
	}
	r.cache = engagement.NewCache(ctx, r.engageStore, cacheOpts...)

	var err error
	r.uploader, err = upload.New(upload.Config{
		Queue:     r.queue,
		Identity:  r.identity,
		Transport: r.transport,
		Endpoints: r.endpoints,
		Secret:    cfg.HashSecret,
		Retry:     transport.RetryPolicy{MaxAttempts: cfg.Upload.MaxAttempts, Delay: cfg.Upload.RetryDelay},
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	if err != nil {
		return fmt.Errorf("create upload pipeline: %w", err)
	}

	r.engage, err = engagement.NewClient(engagement.Config{
		Cache:     r.cache,
		Identity:  r.identity,
		Transport: r.transport,
		Endpoints: r.endpoints,
		Secret:    cfg.HashSecret,
		SDK: engagement.SDKInfo{
			APIVersion: cfg.SDK.APIVersion,
			SDKVersion: cfg.SDK.SDKVersion,
			Platform:   cfg.SDK.Platform,
			Locale:     cfg.SDK.Locale,
		},
		SessionID: r.SessionID,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	if err != nil {
		return fmt.Errorf("create engagement client: %w", err)
	}

	r.scheduler = scheduler.New(func(ctx context.Context) error {
		_, err := r.Upload(ctx)
		return err
	},
		scheduler.WithInitialDelay(cfg.Upload.InitialDelay),
		scheduler.WithInterval(cfg.Upload.Interval),
		scheduler.WithLogger(r.logger),
	)
	return nil
}

// RecordEvent serializes an event with the given name and params and queues
// it. It returns ErrStoreFull when the queue is at capacity.
func (r *Relay) RecordEvent(ctx context.Context, name string, params *domain.Params) error {
	return r.NewEvent(name).Params(params).Record(ctx)
}

// push stamps rec with the user, session, and SDK fields, then queues it.
func (r *Relay) push(ctx context.Context, rec *domain.EventRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return domain.ErrNotInitialized
	}

	rec.UserID = r.identity.Current()
	rec.SessionID = r.sessionID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Params == nil {
		rec.Params = domain.NewParams()
	}
	rec.Params.Set(domain.ParamPlatform, r.cfg.SDK.Platform).
		Set(domain.ParamSDKVersion, r.cfg.SDK.SDKVersion)

	payload, err := rec.Marshal()
	if err != nil {
		r.metrics.IncRejected()
		r.logger.Warn("event not recorded",
			slog.String("event", rec.Name),
			slog.String("error", err.Error()))
		return err
	}

	ok, err := r.queue.Push(ctx, payload)
	if !ok {
		r.logger.Warn("event not recorded, queue full",
			slog.String("event", rec.Name),
			slog.Int("capacity", r.queue.Capacity()))
		return err
	}
	if rec.UserID == "" {
		// Stays anonymous on the wire; upload does not rewrite queued events.
		r.metrics.IncAnonymous()
		r.logger.Warn("event queued without a user id",
			slog.String("event", rec.Name),
			slog.String("session_id", rec.SessionID))
	}
	r.logger.Debug("event recorded", slog.String("event", rec.Name))
	return nil
}

// Upload runs one upload cycle now.
func (r *Relay) Upload(ctx context.Context) (upload.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return upload.Result{}, domain.ErrNotInitialized
	}
	return r.uploader.Upload(ctx)
}

// Engage requests engagement data for decisionPoint and waits for the result.
func (r *Relay) Engage(ctx context.Context, decisionPoint string, params *domain.Params) domain.EngagementResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return domain.EngagementResult{
			DecisionPoint: decisionPoint,
			Source:        domain.SourceEmpty,
			Err:           domain.ErrNotInitialized,
		}
	}
	return r.engage.Request(ctx, decisionPoint, params)
}

// RequestEngagement requests engagement data in the background. callback is
// invoked exactly once, with a fresh, cached, or empty result.
func (r *Relay) RequestEngagement(ctx context.Context, decisionPoint string, params *domain.Params, callback func(domain.EngagementResult)) {
	go func() {
		callback(r.Engage(ctx, decisionPoint, params))
	}()
}

// UserID returns the current user id, or "" while unresolved.
func (r *Relay) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return ""
	}
	return r.identity.Current()
}

// ResolveUserID returns the user id, requesting one remotely if needed.
func (r *Relay) ResolveUserID(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return "", domain.ErrNotInitialized
	}
	return r.identity.Resolve(ctx)
}

// SessionID returns the id of this relay's session.
func (r *Relay) SessionID() string {
	return r.sessionID
}

// Gatherer exposes the relay metrics.
func (r *Relay) Gatherer() prometheus.Gatherer {
	return r.registry
}

// StartAutoUpload starts the periodic upload scheduler.
func (r *Relay) StartAutoUpload() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return domain.ErrNotInitialized
	}
	return r.scheduler.Start()
}

// SetUploadInterval changes the periodic upload interval. A running
// scheduler is restarted with the new interval.
func (r *Relay) SetUploadInterval(d time.Duration) error {
	r.mu.RLock()
	ready := r.ready
	r.mu.RUnlock()
	if !ready {
		return domain.ErrNotInitialized
	}
	if err := r.scheduler.SetInterval(d); err != nil {
		return err
	}
	r.logger.Info("upload interval changed", slog.String("interval", d.String()))
	return nil
}

// StopAutoUpload stops the periodic upload scheduler and waits for a running
// upload to finish.
func (r *Relay) StopAutoUpload() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}

// ResetScope selects what Reset wipes.
type ResetScope int

const (
	ResetEvents ResetScope = 1 << iota
	ResetEngagements
	ResetIdentity

	ResetAll = ResetEvents | ResetEngagements | ResetIdentity
)

// Reset wipes the selected state in memory and in storage.
func (r *Relay) Reset(ctx context.Context, scope ResetScope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return domain.ErrNotInitialized
	}

	if scope&ResetEvents != 0 {
		r.queue.Reset(ctx)
	}
	if scope&ResetEngagements != 0 {
		r.cache.Reset(ctx)
	}
	if scope&ResetIdentity != 0 {
		if err := r.identity.Reset(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("relay state reset", slog.Int("scope", int(scope)))
	return nil
}

// Close stops the scheduler and closes storage. Queued events are not
// uploaded; they stay in durable storage for the next Relay.
func (r *Relay) Close() error {
	r.mu.Lock()
	if !r.ready {
		r.mu.Unlock()
		return domain.ErrNotInitialized
	}
	r.ready = false
	r.mu.Unlock()

	r.scheduler.Stop()

	err := r.closeStores()
	r.logger.Info("relay closed", slog.Int("queued", r.queue.Len()))
	return err
}

func (r *Relay) closeStores() error {
	var errs []error
	if r.eventsStore != nil {
		errs = append(errs, r.eventsStore.Close())
	}
	if r.engageStore != nil && r.engageStore != r.eventsStore {
		errs = append(errs, r.engageStore.Close())
	}
	return errors.Join(errs...)
}

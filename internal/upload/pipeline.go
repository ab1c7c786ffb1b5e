// Package upload drains the event queue and delivers it to the collect
// endpoint in bulk.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/endpoint"
	"github.com/tjfontaine/eventrelay/internal/queue"
	"github.com/tjfontaine/eventrelay/internal/signing"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
	"github.com/tjfontaine/eventrelay/internal/transport"
)

// Identity is the part of the identity resolver the pipeline needs.
type Identity interface {
	Current() string
	Resolve(ctx context.Context) (string, error)
}

// Config configures a Pipeline.
type Config struct {
	Queue     *queue.Store
	Identity  Identity
	Transport ports.HTTPTransport
	Endpoints endpoint.Endpoints
	Secret    string
	Retry     transport.RetryPolicy
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Result summarizes one upload cycle.
type Result struct {
	// Sent is the number of events acknowledged by the collect endpoint.
	Sent     int
	Attempts int
	Duration time.Duration
}

// Pipeline runs upload cycles. Only one cycle runs at a time.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	uploading atomic.Bool
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("event queue required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity resolver required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Uploading reports whether a cycle is running.
func (p *Pipeline) Uploading() bool {
	return p.uploading.Load()
}

// Upload runs one cycle: resolve identity, swap, read, post with retry, and
// clear on a 200. If every attempt fails the drain buffer is kept so the same
// events go out first on the next cycle. A call made while another cycle is
// running returns ErrUploadInProgress.
func (p *Pipeline) Upload(ctx context.Context) (Result, error) {
	if !p.uploading.CompareAndSwap(false, true) {
		p.logger.Debug("upload already in progress, skipping")
		return Result{}, domain.ErrUploadInProgress
	}
	defer p.uploading.Store(false)

	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "upload")
	defer span.End()

	if p.cfg.Identity.Current() == "" {
		if _, err := p.cfg.Identity.Resolve(ctx); err != nil {
			span.SetStatus(codes.Error, "identity unavailable")
			p.logger.Warn("upload skipped, no user id", slog.String("error", err.Error()))
			return Result{}, fmt.Errorf("upload: %w", err)
		}
	}

	p.cfg.Queue.Swap(ctx)
	events := p.cfg.Queue.Read()
	if len(events) == 0 {
		p.logger.Debug("no events to upload")
		return Result{Duration: time.Since(start)}, nil
	}
	span.SetAttributes(attribute.Int("events", len(events)))

	body := Envelope(events)
	hash := signing.SignIfConfigured(body, p.cfg.Secret)
	url := p.cfg.Endpoints.Collect(hash)

	var attempts int
	_, err := p.cfg.Retry.Send(ctx, p.cfg.Transport, http.MethodPost, url, []byte(body), func(n int) {
		attempts = n
		p.cfg.Metrics.IncUploadAttempts()
		p.logger.Debug("posting events",
			slog.Int("attempt", n),
			slog.Int("events", len(events)))
	})
	result := Result{Attempts: attempts, Duration: time.Since(start)}
	if err != nil {
		p.cfg.Metrics.IncUploadFailures()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		p.logger.Warn("upload failed, events kept for next cycle",
			slog.Int("events", len(events)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return result, fmt.Errorf("upload: %w", err)
	}

	p.cfg.Queue.Clear(ctx)
	p.cfg.Metrics.AddDelivered(len(events))
	result.Sent = len(events)
	p.logger.Info("events uploaded",
		slog.Int("events", len(events)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// Envelope wraps already-serialized events in the bulk upload object without
// re-encoding them.
func Envelope(events []string) string {
	var b strings.Builder
	n := len(`{"eventList":[]}`) + len(events)
	for _, e := range events {
		n += len(e)
	}
	b.Grow(n)

	b.WriteString(`{"eventList":[`)
	for i, e := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e)
	}
	b.WriteString(`]}`)
	return b.String()
}

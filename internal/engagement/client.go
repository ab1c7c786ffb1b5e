package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/endpoint"
	"github.com/tjfontaine/eventrelay/internal/signing"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
)

// Identity is the part of the identity resolver the client needs.
type Identity interface {
	Current() string
	Resolve(ctx context.Context) (string, error)
}

// SDKInfo is sent with every engagement request.
type SDKInfo struct {
	APIVersion string
	SDKVersion string
	Platform   string
	Locale     string
}

// Config configures a Client.
type Config struct {
	Cache     *Cache
	Identity  Identity
	Transport ports.HTTPTransport
	Endpoints endpoint.Endpoints
	Secret    string
	SDK       SDKInfo
	// SessionID returns the current session id.
	SessionID func() string
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	// Now is used for the timezone offset. Defaults to time.Now.
	Now func() time.Time
}

// Client issues engagement requests. One request is in flight at a time
// across all decision points.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	inFlight atomic.Bool
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("engagement cache required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity resolver required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if cfg.SessionID == nil {
		cfg.SessionID = func() string { return "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// InFlight reports whether a request is running.
func (c *Client) InFlight() bool {
	return c.inFlight.Load()
}

// Request sends one engagement request for decisionPoint and returns exactly
// one result: fresh on a 200, otherwise the cached response if there is one,
// otherwise empty. The request is never retried.
func (c *Client) Request(ctx context.Context, decisionPoint string, params *domain.Params) domain.EngagementResult {
	result := c.request(ctx, decisionPoint, params)
	c.cfg.Metrics.IncEngagement(string(result.Source))
	return result
}

// RequestAsync runs Request in a new goroutine and passes the result to
// callback exactly once.
func (c *Client) RequestAsync(ctx context.Context, decisionPoint string, params *domain.Params, callback func(domain.EngagementResult)) {
	go func() {
		callback(c.Request(ctx, decisionPoint, params))
	}()
}

func (c *Client) request(ctx context.Context, decisionPoint string, params *domain.Params) domain.EngagementResult {
	if decisionPoint == "" {
		return empty(decisionPoint, domain.ErrInvalidDecisionPoint)
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Warn("engagement request already in progress, rejecting",
			slog.String("decision_point", decisionPoint))
		return empty(decisionPoint, domain.ErrEngagementInProgress)
	}
	defer c.inFlight.Store(false)

	ctx, span := telemetry.Tracer().Start(ctx, "engagement.request")
	defer span.End()
	span.SetAttributes(attribute.String("decision_point", decisionPoint))

	userID := c.cfg.Identity.Current()
	if userID == "" {
		var err error
		userID, err = c.cfg.Identity.Resolve(ctx)
		if err != nil {
			// The engage service tolerates an anonymous request, so carry on.
			c.logger.Warn("no user id, sending engagement request without one",
				slog.String("decision_point", decisionPoint),
				slog.String("error", err.Error()))
		}
	}

	req := &domain.EngagementRequest{
		UserID:         userID,
		DecisionPoint:  decisionPoint,
		SessionID:      c.cfg.SessionID(),
		Version:        c.cfg.SDK.APIVersion,
		SDKVersion:     c.cfg.SDK.SDKVersion,
		Platform:       c.cfg.SDK.Platform,
		TimezoneOffset: TimezoneOffset(c.cfg.Now()),
		Locale:         c.cfg.SDK.Locale,
		Parameters:     params,
	}
	body, err := req.Marshal()
	if err != nil {
		span.SetStatus(codes.Error, "serialization failed")
		c.logger.Error("failed to serialize engagement request",
			slog.String("decision_point", decisionPoint),
			slog.String("error", err.Error()))
		return empty(decisionPoint, err)
	}

	hash := signing.SignIfConfigured(string(body), c.cfg.Secret)
	url := c.cfg.Endpoints.Engage(hash)

	raw, err := c.post(ctx, url, body)
	if err == nil {
		c.cfg.Cache.Put(ctx, decisionPoint, string(raw.raw))
		c.logger.Debug("engagement response received", slog.String("decision_point", decisionPoint))
		return domain.EngagementResult{
			DecisionPoint: decisionPoint,
			Source:        domain.SourceFresh,
			Raw:           raw.raw,
			Response:      raw.parsed,
		}
	}

	span.RecordError(err)
	if cached, ok := c.cfg.Cache.Get(decisionPoint); ok {
		c.logger.Info("engagement request failed, using cached response",
			slog.String("decision_point", decisionPoint),
			slog.String("error", err.Error()))
		parsed, perr := parseObject([]byte(cached))
		if perr == nil {
			return domain.EngagementResult{
				DecisionPoint: decisionPoint,
				Source:        domain.SourceCached,
				Raw:           json.RawMessage(cached),
				Response:      parsed,
				Err:           err,
			}
		}
		c.logger.Warn("cached engagement response unreadable",
			slog.String("decision_point", decisionPoint),
			slog.String("error", perr.Error()))
	}

	span.SetStatus(codes.Error, "engagement failed")
	c.logger.Warn("engagement request failed, no cached response",
		slog.String("decision_point", decisionPoint),
		slog.String("error", err.Error()))
	return empty(decisionPoint, err)
}

type engageBody struct {
	raw    json.RawMessage
	parsed map[string]any
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*engageBody, error) {
	resp, err := c.cfg.Transport.Do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, &domain.NetworkError{Attempts: 1, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewStatusError(resp.StatusCode, 1)
	}
	parsed, err := parseObject(resp.Body)
	if err != nil {
		return nil, err
	}
	return &engageBody{raw: json.RawMessage(resp.Body), parsed: parsed}, nil
}

func parseObject(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: engagement response: %v", domain.ErrSerialization, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: engagement response is not an object", domain.ErrSerialization)
	}
	return out, nil
}

func empty(decisionPoint string, err error) domain.EngagementResult {
	return domain.EngagementResult{
		DecisionPoint: decisionPoint,
		Source:        domain.SourceEmpty,
		Err:           err,
	}
}

// TimezoneOffset formats t's zone offset as ±hhmm.
func TimezoneOffset(t time.Time) string {
	return t.Format("-0700")
}

// IsFallback reports whether err on a result means the data came from cache or
// is missing because the remote call failed.
func IsFallback(r domain.EngagementResult) bool {
	return r.Err != nil && errors.Is(r.Err, domain.ErrNetworkFailure)
}

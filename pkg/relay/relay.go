// Package relay provides the public API for embedding the event relay.
// This is the stable API for external consumers.
package relay

import (
	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/pkg/config"
	"github.com/tjfontaine/eventrelay/internal/runtime"
)

// Relay buffers events, uploads them, and requests engagements.
// See internal/runtime.Relay for full documentation.
type Relay = runtime.Relay

// Option is a functional option for configuring a Relay.
type Option = runtime.Option

// Config is the relay configuration.
type Config = config.Config

// Status is a point-in-time view of a Relay.
type Status = runtime.Status

// EventBuilder assembles an event before recording it.
type EventBuilder = runtime.EventBuilder

// Params is an ordered set of event or engagement parameters.
type Params = domain.Params

// EngagementResult is delivered exactly once per engagement request.
type EngagementResult = domain.EngagementResult

// ResultSource tells where an engagement result came from.
type ResultSource = domain.ResultSource

// NetworkError describes a failed exchange with a remote endpoint.
type NetworkError = domain.NetworkError

// ResetScope selects what Relay.Reset wipes.
type ResetScope = runtime.ResetScope

// New creates a Relay. Example:
//
//	cfg, _ := relay.LoadConfig("eventrelay.yaml")
//	r, err := relay.New(ctx,
//	    relay.WithConfig(cfg),
//	    relay.WithSQLite("./data/events.db", "./data/engage.db"),
//	)
var New = runtime.New

// LoadConfig reads a config file plus EVENTRELAY_ environment overrides.
var LoadConfig = config.Load

// NewParams creates an empty parameter set.
var NewParams = domain.NewParams

// Configuration options
var (
	WithConfig = runtime.WithConfig

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithMemoryStorage = runtime.WithMemoryStorage
	WithStorage       = runtime.WithStorage

	// Advanced options
	WithTransport = runtime.WithTransport
	WithLogger    = runtime.WithLogger
	WithRegistry  = runtime.WithRegistry
)

const (
	SourceFresh  = domain.SourceFresh
	SourceCached = domain.SourceCached
	SourceEmpty  = domain.SourceEmpty

	ResetEvents      = runtime.ResetEvents
	ResetEngagements = runtime.ResetEngagements
	ResetIdentity    = runtime.ResetIdentity
	ResetAll         = runtime.ResetAll
)

// Errors reported by the relay. Match them with errors.Is.
var (
	ErrNotInitialized       = domain.ErrNotInitialized
	ErrStoreFull            = domain.ErrStoreFull
	ErrNetworkFailure       = domain.ErrNetworkFailure
	ErrSerialization        = domain.ErrSerialization
	ErrIdentityUnavailable  = domain.ErrIdentityUnavailable
	ErrUploadInProgress     = domain.ErrUploadInProgress
	ErrEngagementInProgress = domain.ErrEngagementInProgress
	ErrInvalidDecisionPoint = domain.ErrInvalidDecisionPoint
)

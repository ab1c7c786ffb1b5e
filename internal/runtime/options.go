package runtime

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/pkg/config"
	"github.com/tjfontaine/eventrelay/internal/storage/memory"
	"github.com/tjfontaine/eventrelay/internal/storage/sqlite"
)

// Option is a functional option for configuring a Relay.
type Option func(*Relay) error

// WithConfig sets the relay configuration. Required.
func WithConfig(cfg *config.Config) Option {
	return func(r *Relay) error {
		r.cfg = cfg
		return nil
	}
}

// WithSQLite stores the event queue and identity in eventsPath and the
// engagement cache in engagePath.
func WithSQLite(eventsPath, engagePath string) Option {
	return func(r *Relay) error {
		events, err := sqlite.New(eventsPath)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		engage, err := sqlite.New(engagePath)
		if err != nil {
			events.Close()
			return fmt.Errorf("open engagement store: %w", err)
		}
		r.eventsStore, r.engageStore = events, engage
		return nil
	}
}

// WithMemoryStorage keeps all state in memory. Nothing survives a restart.
func WithMemoryStorage() Option {
	return func(r *Relay) error {
		r.eventsStore, r.engageStore = memory.New(), memory.New()
		return nil
	}
}

// WithStorage sets custom storage providers. events holds the queue and the
// user id; engage holds the engagement cache. They may be the same provider.
func WithStorage(events, engage ports.StorageProvider) Option {
	return func(r *Relay) error {
		if events == nil || engage == nil {
			return fmt.Errorf("storage providers must not be nil")
		}
		r.eventsStore, r.engageStore = events, engage
		return nil
	}
}

// WithTransport sets the HTTP transport used for every remote call.
func WithTransport(t ports.HTTPTransport) Option {
	return func(r *Relay) error {
		r.transport = t
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithRegistry registers the relay metrics with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Relay) error {
		r.registry = reg
		return nil
	}
}

// Package ports defines the interfaces between the relay core and its
// storage and transport adapters.
package ports

import "context"

// Buffer names the two halves of the event queue.
type Buffer string

const (
	BufferActive Buffer = "active"
	BufferDrain  Buffer = "drain"
)

// EventQueueStore persists the double-buffered event queue.
type EventQueueStore interface {
	// LoadQueue returns the persisted active and drain buffers in insertion order.
	LoadQueue(ctx context.Context) (active, drain []string, err error)

	// AppendEvent adds a serialized event to the end of the active buffer.
	AppendEvent(ctx context.Context, payload string) error

	// SwapBuffers moves every active event to the end of the drain buffer.
	SwapBuffers(ctx context.Context) error

	// ClearDrain deletes the drain buffer.
	ClearDrain(ctx context.Context) error

	// ResetQueue deletes both buffers.
	ResetQueue(ctx context.Context) error
}

// EngagementStore persists the decision point to response mapping.
type EngagementStore interface {
	// LoadEngagements returns every cached response keyed by decision point.
	LoadEngagements(ctx context.Context) (map[string]string, error)

	// PutEngagement inserts or overwrites the response for a decision point.
	PutEngagement(ctx context.Context, decisionPoint, response string) error

	// ResetEngagements deletes every cached response.
	ResetEngagements(ctx context.Context) error
}

// IdentityStore persists the user id.
type IdentityStore interface {
	// GetUserID returns the stored user id, or "" when none is stored.
	GetUserID(ctx context.Context) (string, error)

	// SetUserID stores the user id.
	SetUserID(ctx context.Context, userID string) error

	// ResetUserID deletes the stored user id.
	ResetUserID(ctx context.Context) error
}

// StorageProvider is a backend able to hold all relay state.
type StorageProvider interface {
	EventQueueStore
	EngagementStore
	IdentityStore

	// Durable reports whether state survives a process restart.
	Durable() bool

	// Close releases the underlying resources.
	Close() error
}

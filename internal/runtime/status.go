package runtime

import (
	"time"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
)

// Status is a point-in-time view of the relay.
type Status struct {
	UserID             string    `json:"user_id"`
	IdentityState      string    `json:"identity_state"`
	SessionID          string    `json:"session_id"`
	ActiveEvents       int       `json:"active_events"`
	DrainEvents        int       `json:"drain_events"`
	Capacity           int       `json:"capacity"`
	EventsDurable      bool      `json:"events_durable"`
	CachedEngagements  int       `json:"cached_engagements"`
	EngagementsDurable bool      `json:"engagements_durable"`
	Uploading          bool      `json:"uploading"`
	AutoUpload         bool      `json:"auto_upload"`
	NextUpload         time.Time `json:"next_upload"`
}

// Status reports the relay's current state.
func (r *Relay) Status() (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return Status{}, domain.ErrNotInitialized
	}

	active, drain := r.queue.Counts()
	return Status{
		UserID:             r.identity.Current(),
		IdentityState:      r.identity.State().String(),
		SessionID:          r.sessionID,
		ActiveEvents:       active,
		DrainEvents:        drain,
		Capacity:           r.queue.Capacity(),
		EventsDurable:      r.queue.Durable(),
		CachedEngagements:  r.cache.Len(),
		EngagementsDurable: r.cache.Durable(),
		Uploading:          r.uploader.Uploading(),
		AutoUpload:         r.scheduler.Running(),
		NextUpload:         r.scheduler.Next(),
	}, nil
}

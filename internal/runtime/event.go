package runtime

import (
	"context"
	"time"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
)

// EventBuilder assembles an event before it is recorded. The user id, session
// id, platform, and SDK version are filled in by Record.
type EventBuilder struct {
	relay *Relay
	rec   domain.EventRecord
}

// NewEvent starts an event named name.
func (r *Relay) NewEvent(name string) *EventBuilder {
	return &EventBuilder{
		relay: r,
		rec:   domain.EventRecord{Name: name, Params: domain.NewParams()},
	}
}

// Param sets one event parameter.
func (b *EventBuilder) Param(key string, value any) *EventBuilder {
	b.rec.Params.Set(key, value)
	return b
}

// Params copies every entry of p, in order.
func (b *EventBuilder) Params(p *domain.Params) *EventBuilder {
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		b.rec.Params.Set(k, v)
	}
	return b
}

// At overrides the event timestamp, which otherwise is the time of Record.
func (b *EventBuilder) At(t time.Time) *EventBuilder {
	b.rec.Timestamp = t
	return b
}

// Record serializes the event and queues it.
func (b *EventBuilder) Record(ctx context.Context) error {
	rec := b.rec
	return b.relay.push(ctx, &rec)
}

package streaming

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/store"
)

// EventLog is the durable log surface PublishingLog decorates.
type EventLog interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// PublishingLog appends to the durable event log, then mirrors the event
// to the hub for live subscribers. The durable write is authoritative: a
// failed append is returned and never published, a failed publish only
// drops the live copy.
type PublishingLog struct {
	inner EventLog
	hub   EventHub
}

// NewPublishingLog decorates an event log with hub publication.
func NewPublishingLog(inner EventLog, hub EventHub) *PublishingLog {
	return &PublishingLog{inner: inner, hub: hub}
}

func (l *PublishingLog) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := l.inner.AppendEvent(ctx, event); err != nil {
		return err
	}

	var payload any
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &payload)
	}
	_ = l.hub.Publish(ctx, StreamEvent{
		RunID:     event.RunID,
		NodeID:    event.NodeID,
		EventType: event.Type,
		Payload:   payload,
	})
	return nil
}

func (l *PublishingLog) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return l.inner.GetEvents(ctx, runID, since)
}

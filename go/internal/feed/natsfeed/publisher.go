package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher emits row-change notifications onto the session's change
// subjects. The store calls it after every successful write so subscribed
// clients observe changes without polling.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps a NATS connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// PublishChange publishes one change to fakeout.session.<id>.changes.<table>.
func (p *Publisher) PublishChange(ctx context.Context, sessionID uuid.UUID, table, action string, record any) error {
	rec, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal change record: %w", err)
	}
	body, err := json.Marshal(wire.ChangePayload{Table: table, Action: action, Record: rec})
	if err != nil {
		return fmt.Errorf("failed to marshal change payload: %w", err)
	}
	subject := SessionSubject(sessionID, "changes."+table)
	if err := p.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// PublishBroadcast relays a named application broadcast onto the session's
// broadcast subject.
func (p *Publisher) PublishBroadcast(ctx context.Context, sessionID uuid.UUID, name string, payload json.RawMessage) error {
	body, err := json.Marshal(wire.BroadcastPayload{Name: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast frame: %w", err)
	}
	if err := p.nc.Publish(SessionSubject(sessionID, "broadcast"), body); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// PublishTrack relays a presence announcement onto the session's presence
// subject.
func (p *Publisher) PublishTrack(ctx context.Context, sessionID uuid.UUID, member feed.PresenceMember) error {
	body, err := json.Marshal(wire.TrackPayload{Member: member})
	if err != nil {
		return fmt.Errorf("failed to marshal presence frame: %w", err)
	}
	if err := p.nc.Publish(SessionSubject(sessionID, "presence"), body); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	return nil
}

// Package natsfeed is the NATS transport for the change feed. The realtime
// gateway consumes it server-side to fan changes out to WebSocket clients;
// headless in-cluster clients (bots, tooling) subscribe to it directly.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer = 64
	// How often the channel checks whether the NATS connection was closed.
	connCheckInterval = 5 * time.Second
)

// SessionSubject builds the subject for one kind of session traffic. Kinds in
// use: "changes.<table>", "broadcast", "presence".
func SessionSubject(sessionID uuid.UUID, kind string) string {
	return fmt.Sprintf("fakeout.session.%s.%s", sessionID, kind)
}

// Transport subscribes to per-session subjects over an established NATS
// connection. The connection's own reconnect handling covers transient
// outages; a channel only closes when the connection is closed for good.
type Transport struct {
	nc *nats.Conn
}

// NewTransport wraps a NATS connection.
func NewTransport(nc *nats.Conn) *Transport {
	return &Transport{nc: nc}
}

// Join subscribes to everything under the session's subject space.
func (t *Transport) Join(ctx context.Context, sessionID uuid.UUID) (feed.Channel, error) {
	ch := &channel{
		nc:        t.nc,
		sessionID: sessionID,
		events:    make(chan feed.Event, eventBuffer),
		done:      make(chan struct{}),
	}

	sub, err := t.nc.Subscribe(SessionSubject(sessionID, ">"), ch.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session subjects: %w", err)
	}
	ch.sub = sub
	go ch.watchConn()
	return ch, nil
}

type channel struct {
	nc        *nats.Conn
	sessionID uuid.UUID
	sub       *nats.Subscription
	events    chan feed.Event

	// mu serializes event delivery against Close so the events channel is
	// never closed mid-send.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *channel) Events() <-chan feed.Event {
	return c.events
}

func (c *channel) Broadcast(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	body, err := json.Marshal(wire.BroadcastPayload{Name: name, Payload: data})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast frame: %w", err)
	}
	if err := c.nc.Publish(SessionSubject(c.sessionID, "broadcast"), body); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

func (c *channel) Track(ctx context.Context, member feed.PresenceMember) error {
	body, err := json.Marshal(wire.TrackPayload{Member: member})
	if err != nil {
		return fmt.Errorf("failed to marshal presence frame: %w", err)
	}
	if err := c.nc.Publish(SessionSubject(c.sessionID, "presence"), body); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	return nil
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sub.Unsubscribe()
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return err
}

// handleMsg routes one NATS message by its subject suffix into a typed event.
func (c *channel) handleMsg(msg *nats.Msg) {
	prefix := SessionSubject(c.sessionID, "")
	kind := strings.TrimPrefix(msg.Subject, prefix)

	var ev feed.Event
	switch {
	case strings.HasPrefix(kind, "changes."):
		var p wire.ChangePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable change")
			return
		}
		decoded, err := feed.DecodeChange(p.Table, p.Action, p.Record)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unknown change")
			return
		}
		ev = decoded

	case kind == "broadcast":
		var p wire.BroadcastPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable broadcast")
			return
		}
		ev = feed.BroadcastReceived{Name: p.Name, Payload: p.Payload}

	case kind == "presence":
		var p wire.TrackPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable presence")
			return
		}
		ev = feed.PresenceJoined{Member: p.Member}

	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Never block the NATS dispatch goroutine on a slow consumer.
		log.Warn().Str("session_id", c.sessionID.String()).Msg("feed event buffer full, dropping")
	}
}

// watchConn closes the events channel when the NATS connection is closed for
// good, so the subscriber's retry sequence kicks in.
func (c *channel) watchConn() {
	ticker := time.NewTicker(connCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.nc.IsClosed() {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

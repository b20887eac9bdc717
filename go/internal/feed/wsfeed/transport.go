// Package wsfeed is the WebSocket client transport for the change feed. It
// speaks the wire envelope to the realtime gateway.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	eventBuffer = 64
)

// Transport dials the gateway's per-session WebSocket endpoint.
type Transport struct {
	baseURL string
	header  http.Header
	dialer  *websocket.Dialer
}

// NewTransport creates a transport. baseURL is the gateway root, e.g.
// "ws://localhost:8085". header may carry auth and is sent on every dial.
func NewTransport(baseURL string, header http.Header) *Transport {
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
		dialer:  websocket.DefaultDialer,
	}
}

// Join dials the session endpoint and returns a live channel.
func (t *Transport) Join(ctx context.Context, sessionID uuid.UUID) (feed.Channel, error) {
	url := fmt.Sprintf("%s/ws/sessions/%s", t.baseURL, sessionID)
	conn, _, err := t.dialer.DialContext(ctx, url, t.header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed websocket: %w", err)
	}

	ch := &channel{
		sessionID: sessionID,
		conn:      conn,
		events:    make(chan feed.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	go ch.readLoop()
	go ch.pingLoop()
	return ch, nil
}

// channel is one established WebSocket subscription. The read loop is the
// only closer of the events channel; writes are serialized by a mutex.
type channel struct {
	sessionID uuid.UUID
	conn      *websocket.Conn
	events    chan feed.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *channel) Events() <-chan feed.Event {
	return c.events
}

// Broadcast sends a named application broadcast to every subscriber of the
// session, this client included.
func (c *channel) Broadcast(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	msg, err := wire.NewMessage(wire.TypeBroadcast, c.sessionID, time.Now(),
		wire.BroadcastPayload{Name: name, Payload: data})
	if err != nil {
		return err
	}
	return c.writeJSON(msg)
}

// Track announces the local player's presence.
func (c *channel) Track(ctx context.Context, member feed.PresenceMember) error {
	msg, err := wire.NewMessage(wire.TypeTrack, c.sessionID, time.Now(),
		wire.TrackPayload{Member: member})
	if err != nil {
		return err
	}
	return c.writeJSON(msg)
}

// Close tears the socket down. The read loop notices and closes the events
// channel; that is fine because the subscriber has already stopped selecting
// on it by the time it calls Close.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *channel) writeJSON(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write feed frame: %w", err)
	}
	return nil
}

// readLoop pumps frames into the events channel until the socket drops, then
// closes the channel so the subscriber enters its retry sequence.
func (c *channel) readLoop() {
	defer close(c.events)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg wire.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().
					Err(err).
					Str("session_id", c.sessionID.String()).
					Msg("feed websocket closed unexpectedly")
			}
			return
		}

		events, err := wire.DecodeEvents(msg)
		if err != nil {
			log.Warn().
				Err(err).
				Str("type", string(msg.Type)).
				Msg("dropping undecodable feed frame")
			continue
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// pingLoop keeps the connection's read deadline alive.
func (c *channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/wire"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// BusConsumerConfig holds configuration for the NATS bus consumer.
type BusConsumerConfig struct {
	URL           string
	SubjectFilter string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultBusConsumerConfig returns the default bus consumer configuration.
func DefaultBusConsumerConfig() BusConsumerConfig {
	return BusConsumerConfig{
		URL:           nats.DefaultURL,
		SubjectFilter: "fakeout.session.>",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// BusConsumer bridges session traffic from NATS to WebSocket clients. Change
// delivery is fire-and-forget: a frame lost during a broker hiccup is
// recovered by the clients' periodic reconciliation, so no persistent stream
// or explicit acknowledgement is needed.
type BusConsumer struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	sub               *nats.Subscription
	config            BusConsumerConfig
}

// NewBusConsumer connects to NATS and prepares the consumer.
func NewBusConsumer(cm *ConnectionManager, config BusConsumerConfig) (*BusConsumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &BusConsumer{
		connectionManager: cm,
		nc:                nc,
		config:            config,
	}, nil
}

// Conn exposes the underlying NATS connection so the uplink publisher can
// share it.
func (bc *BusConsumer) Conn() *nats.Conn {
	return bc.nc
}

// Start subscribes to the session subject space and relays until the context
// is cancelled.
func (bc *BusConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("subject_filter", bc.config.SubjectFilter).
		Msg("starting bus consumer")

	sub, err := bc.nc.Subscribe(bc.config.SubjectFilter, bc.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to session subjects: %w", err)
	}
	bc.sub = sub

	<-ctx.Done()
	log.Info().Msg("bus consumer shutting down")
	return nil
}

// handleMessage converts one bus message into a client frame and hands it to
// the connection manager.
func (bc *BusConsumer) handleMessage(msg *nats.Msg) {
	sessionID, kind, err := parseSessionSubject(msg.Subject)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unroutable message")
		return
	}

	now := time.Now()
	var frame wire.Message

	switch {
	case strings.HasPrefix(kind, "changes."):
		frame = wire.Message{Type: wire.TypeChange, SessionID: sessionID, Timestamp: now, Data: msg.Data}

	case kind == "broadcast":
		frame = wire.Message{Type: wire.TypeBroadcast, SessionID: sessionID, Timestamp: now, Data: msg.Data}

	case kind == "presence":
		var p wire.TrackPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping bad presence message")
			return
		}
		bc.connectionManager.TrackMember(sessionID, p.Member)
		diff, err := wire.NewMessage(wire.TypePresenceDiff, sessionID, now,
			wire.PresenceDiffPayload{Joined: []feed.PresenceMember{p.Member}})
		if err != nil {
			log.Error().Err(err).Msg("failed to build presence diff")
			return
		}
		frame = diff

	default:
		log.Debug().Str("subject", msg.Subject).Msg("ignoring unknown subject kind")
		return
	}

	bc.connectionManager.BroadcastFrame(sessionID, frame)
}

// parseSessionSubject splits fakeout.session.<id>.<kind...> into its parts.
func parseSessionSubject(subject string) (uuid.UUID, string, error) {
	const prefix = "fakeout.session."
	rest := strings.TrimPrefix(subject, prefix)
	if rest == subject {
		return uuid.Nil, "", fmt.Errorf("subject outside session space: %s", subject)
	}
	idStr, kind, ok := strings.Cut(rest, ".")
	if !ok {
		return uuid.Nil, "", fmt.Errorf("subject missing kind: %s", subject)
	}
	sessionID, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("bad session id in subject %s: %w", subject, err)
	}
	return sessionID, kind, nil
}

// Stop closes the NATS connection.
func (bc *BusConsumer) Stop() error {
	log.Info().Msg("stopping bus consumer")
	if bc.sub != nil {
		if err := bc.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe bus consumer")
		}
	}
	if bc.nc != nil {
		bc.nc.Close()
	}
	return nil
}

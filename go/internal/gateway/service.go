package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fakeout-party/fakeout/go/internal/feed/natsfeed"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service is the realtime gateway: it terminates WebSocket connections and
// bridges them to the NATS session bus in both directions.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	busConsumer       *BusConsumer
}

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	BusConfig        BusConsumerConfig
	AllowedOrigins   []string
}

// DefaultConfig returns default configuration for the gateway.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		BusConfig:        DefaultBusConsumerConfig(),
		AllowedOrigins:   []string{"*"},
	}
}

// NewService creates the gateway service. The bus connection is established
// eagerly; the returned service fails fast when the broker is unreachable.
func NewService(config Config, stateProvider StateProvider) (*Service, error) {
	// The consumer owns the NATS connection; the connection manager's uplink
	// publishes over the same connection.
	consumer, err := NewBusConsumer(nil, config.BusConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus consumer: %w", err)
	}

	uplink := natsfeed.NewPublisher(consumer.Conn())
	cm := NewConnectionManager(config.ConnectionConfig, uplink)
	consumer.connectionManager = cm

	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, stateProvider),
		busConsumer:       consumer,
	}, nil
}

// Start runs the connection manager and bus consumer until the context is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	go s.connectionManager.Start(ctx)

	go func() {
		if err := s.busConsumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("bus consumer failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service.
func (s *Service) Stop() error {
	if err := s.busConsumer.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop bus consumer")
	}
	log.Info().Msg("gateway service stopped")
	return nil
}

// Handler returns the gateway's HTTP handler with CORS applied.
func (s *Service) Handler(config Config) http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// GetStats returns statistics about the gateway service.
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "fakeout_gateway"
	stats["status"] = "running"
	return stats
}

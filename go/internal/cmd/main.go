package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fakeout-party/fakeout/go/internal/dbconfig"
	"github.com/fakeout-party/fakeout/go/internal/feed"
	"github.com/fakeout-party/fakeout/go/internal/feed/natsfeed"
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/fakeout-party/fakeout/go/internal/reconcile"
	"github.com/fakeout-party/fakeout/go/internal/round"
	"github.com/fakeout-party/fakeout/go/internal/session"
	"github.com/fakeout-party/fakeout/go/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The fakebot is a headless player: it joins a session, keeps a full client
// core running, and plays every round with canned answers and random votes.
// Useful for filling lobbies during development and for soak-testing the
// realtime path.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := getEnv("BOT_CONFIG", "config.yaml")
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("no config file, using defaults")
		cfg = &Config{}
	}

	sessionIDStr := getEnv("SESSION_ID", cfg.Session.ID)
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		log.Fatal().Str("session_id", sessionIDStr).Msg("a valid SESSION_ID is required")
	}

	botName := getEnv("BOT_NAME", cfg.Bot.Name)
	if botName == "" {
		botName = fmt.Sprintf("fakebot-%d", getEnvAsInt("BOT_INDEX", rand.Intn(1000)))
	}

	natsURL := getEnv("NATS_URL", nats.DefaultURL)
	dbCfg := dbconfig.NewConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	st := postgres.NewStore(pool, natsfeed.NewPublisher(nc))

	player, err := st.JoinSession(ctx, sessionID, botName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join session")
	}
	log.Info().
		Str("player_id", player.ID.String()).
		Str("session_id", sessionID.String()).
		Str("name", botName).
		Msg("bot joined session")

	feedCfg := feed.DefaultConfig()
	if cfg.Feed.HeartbeatInterval > 0 {
		feedCfg.HeartbeatInterval = cfg.Feed.HeartbeatInterval
	}
	if cfg.Feed.PresenceInterval > 0 {
		feedCfg.PresenceInterval = cfg.Feed.PresenceInterval
	}
	recCfg := reconcile.Config{
		Interval:       cfg.Reconcile.Interval,
		StaleThreshold: cfg.Reconcile.StaleThreshold,
	}

	client, err := session.New(session.Config{
		SessionID: sessionID,
		Self: &feed.Identity{
			PlayerID: player.ID,
			Name:     player.Name,
			IsHost:   player.IsHost,
		},
		Transport: natsfeed.NewTransport(nc),
		Store:     st,
		Feed:      feedCfg,
		Reconcile: recCfg,
		Round:     round.Config{},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session client")
	}

	if err := client.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session client")
	}
	defer client.Stop()

	answerDelay := cfg.Bot.AnswerDelay
	if answerDelay <= 0 {
		answerDelay = 3 * time.Second
	}
	voteDelay := cfg.Bot.VoteDelay
	if voteDelay <= 0 {
		voteDelay = 2 * time.Second
	}

	go playLoop(ctx, client, player.ID, answerDelay, voteDelay)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
}

// playLoop polls the round view and acts once per phase.
func playLoop(ctx context.Context, client *session.Client, selfID uuid.UUID, answerDelay, voteDelay time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var answeredRound, votedRound uuid.UUID

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view := client.RoundView()
		if view.Round == nil {
			continue
		}

		switch view.Phase {
		case round.PhaseAnswering:
			if view.OwnAnswer != nil || view.Round.ID == answeredRound {
				continue
			}
			// Let the timer run down a little so the bot feels human.
			if view.Remaining > answerDelay {
				continue
			}
			text := fakeAnswer()
			if _, err := client.SubmitAnswer(ctx, text); err != nil {
				log.Warn().Err(err).Msg("bot answer failed")
				continue
			}
			answeredRound = view.Round.ID
			log.Info().Str("answer", text).Msg("bot answered")

		case round.PhaseVoting:
			if view.OwnVote != nil || view.VotePending || view.Round.ID == votedRound {
				continue
			}
			if view.Remaining > voteDelay {
				continue
			}
			target := pickVote(view.Answers, selfID)
			if target == nil {
				continue
			}
			if _, err := client.SubmitVote(ctx, target.ID); err != nil {
				log.Warn().Err(err).Msg("bot vote failed")
				continue
			}
			votedRound = view.Round.ID
			log.Info().Str("answer_id", target.ID.String()).Msg("bot voted")
		}
	}
}

func fakeAnswer() string {
	canned := []string{
		"the mitochondria",
		"approximately seven",
		"it was never proven",
		"a Dutch trading company",
		"only on leap years",
	}
	return canned[rand.Intn(len(canned))]
}

// pickVote chooses a random answer that is not the bot's own.
func pickVote(answers []models.Answer, selfID uuid.UUID) *models.Answer {
	var candidates []models.Answer
	for _, a := range answers {
		if a.PlayerID != nil && *a.PlayerID == selfID {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[rand.Intn(len(candidates))]
}

// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/keshon/domme-player/internal/app"
	"github.com/keshon/domme-player/internal/config"
	"github.com/keshon/domme-player/internal/discord"
	"github.com/keshon/domme-player/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.RequireBot(); err != nil {
		log.Fatal().Err(err).Msg("incomplete config")
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("shard", cfg.ShardID).Int("shards", cfg.ShardCount).Msg("starting player")

	bot, err := discord.NewBot(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create bot")
	}
	userID, err := bot.Open()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Discord")
	}
	defer bot.Close()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	a, err := app.New(cfg, st, bot.Gateway(), app.LavalinkNodes(cfg, userID, logger), logger)
	if err != nil {
		_ = st.Close()
		logger.Fatal().Err(err).Msg("failed to build player")
	}
	bot.Gateway().Bind(a.Backend)

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("player stopped")
	}
	if err := a.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("player exited cleanly")
}

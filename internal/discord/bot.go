package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/config"
)

// Bot owns the Discord session.
type Bot struct {
	dg      *discordgo.Session
	gateway *Gateway
	log     zerolog.Logger
}

// NewBot creates the session for this shard. It is not connected yet.
func NewBot(cfg *config.Config, log zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	dg.ShardID = cfg.ShardID
	dg.ShardCount = cfg.ShardCount
	dg.StateEnabled = true
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers

	b := &Bot{dg: dg, log: log.With().Str("component", "discord").Logger()}
	b.gateway = NewGateway(dg, log)
	dg.AddHandler(b.onReady)
	return b, nil
}

func (b *Bot) Gateway() *Gateway { return b.gateway }

// Open connects and returns the bot's user ID.
func (b *Bot) Open() (string, error) {
	if err := b.dg.Open(); err != nil {
		return "", errors.Wrap(err, "failed to open Discord session")
	}
	if b.dg.State.User == nil {
		return "", errors.New("session opened without a user")
	}
	return b.dg.State.User.ID, nil
}

func (b *Bot) Close() error {
	return b.dg.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Int("shard", s.ShardID).
		Msg("discord session ready")
}

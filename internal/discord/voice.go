package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/music/backend"
	"github.com/keshon/domme-player/internal/music/voice"
)

// VoiceSink receives the bot's voice credentials for the audio backend.
type VoiceSink interface {
	UpdateVoice(ctx context.Context, guildID string, v backend.VoiceState) error
}

// Gateway is the voice side of the Discord session. The bot never opens a
// voice connection itself; it only signals joins and hands the resulting
// credentials to the audio backend.
type Gateway struct {
	dg  *discordgo.Session
	log zerolog.Logger

	mu   sync.RWMutex
	sink VoiceSink
}

var _ voice.Gateway = (*Gateway)(nil)

func NewGateway(dg *discordgo.Session, log zerolog.Logger) *Gateway {
	g := &Gateway{dg: dg, log: log.With().Str("component", "discord").Logger()}
	dg.AddHandler(g.onVoiceServerUpdate)
	dg.AddHandler(g.onVoiceStateUpdate)
	return g
}

// Bind sets where voice credentials go.
func (g *Gateway) Bind(sink VoiceSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

func (g *Gateway) botID() string {
	if g.dg.State == nil || g.dg.State.User == nil {
		return ""
	}
	return g.dg.State.User.ID
}

// UserVoiceChannel finds the voice channel a user is in.
func (g *Gateway) UserVoiceChannel(guildID, userID string) (string, error) {
	vs, err := g.dg.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "error retrieving voice state")
	}
	return vs.ChannelID, nil
}

func (g *Gateway) JoinChannel(_ context.Context, guildID, channelID string) error {
	if err := g.dg.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return errors.Wrap(err, "send voice join")
	}
	return nil
}

func (g *Gateway) LeaveChannel(_ context.Context, guildID string) error {
	if err := g.dg.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return errors.Wrap(err, "send voice leave")
	}
	return nil
}

// CountListeners counts the non-bot members in a voice channel from the
// live gateway state.
func (g *Gateway) CountListeners(guildID, channelID string) (int, error) {
	guild, err := g.dg.State.Guild(guildID)
	if err != nil {
		return 0, errors.Wrap(err, "error retrieving guild")
	}

	self := g.botID()
	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self {
			continue
		}
		if g.isBot(guildID, vs) {
			continue
		}
		n++
	}
	return n, nil
}

func (g *Gateway) isBot(guildID string, vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	m, err := g.dg.State.Member(guildID, vs.UserID)
	if err != nil || m.User == nil {
		return false
	}
	return m.User.Bot
}

func (g *Gateway) forward(guildID string, v backend.VoiceState) {
	g.mu.RLock()
	sink := g.sink
	g.mu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.UpdateVoice(context.Background(), guildID, v); err != nil {
		g.log.Error().Err(err).Str("guild", guildID).Msg("failed to forward voice update")
	}
}

func (g *Gateway) onVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	g.forward(e.GuildID, backend.VoiceState{Token: e.Token, Endpoint: e.Endpoint})
}

func (g *Gateway) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.VoiceState == nil || e.UserID != g.botID() {
		return
	}
	if e.ChannelID == "" {
		g.log.Info().Str("guild", e.GuildID).Msg("bot left voice")
		return
	}
	g.forward(e.GuildID, backend.VoiceState{SessionID: e.SessionID})
}

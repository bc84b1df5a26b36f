// Package discord connects a [voice.Manager] to discordgo gateway sessions.
//
// discordgo's own voice support opens a voice connection as soon as it sees
// the gateway events. The bridge bypasses it: outbound voice state updates
// go through ChannelVoiceJoinManual, and the inbound VOICE_SERVER_UPDATE and
// VOICE_STATE_UPDATE events are routed to the Manager instead.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tonearm/pkg/voice"
)

// voiceJoiner is the part of *discordgo.Session the sink writes to.
type voiceJoiner interface {
	ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error
}

// Compile-time interface assertion.
var _ voiceJoiner = (*discordgo.Session)(nil)

// Sink sends voice state updates through the session owning the target
// shard.
type Sink struct {
	shards map[int]voiceJoiner
}

// NewSink builds a sink over one session per shard. A single session with
// no explicit sharding serves shard 0.
func NewSink(sessions ...*discordgo.Session) *Sink {
	shards := make(map[int]voiceJoiner, len(sessions))
	for _, s := range sessions {
		shards[s.ShardID] = s
	}
	return &Sink{shards: shards}
}

// Submit implements [voice.SubmitFunc]. A nil channel leaves voice.
func (s *Sink) Submit(_ context.Context, u voice.VoiceUpdate) error {
	j, ok := s.shards[u.ShardID]
	if !ok {
		return fmt.Errorf("discord: no session for shard %d", u.ShardID)
	}
	channelID := ""
	if u.Payload.ChannelID != nil {
		channelID = *u.Payload.ChannelID
	}
	if err := j.ChannelVoiceJoinManual(u.Payload.GuildID, channelID, u.Payload.SelfMute, u.Payload.SelfDeaf); err != nil {
		return fmt.Errorf("discord: send voice state update for guild %s: %w", u.Payload.GuildID, err)
	}
	return nil
}

// ClientInfo derives the manager's client info from an open session.
func ClientInfo(s *discordgo.Session) (voice.ClientInfo, error) {
	if s.State == nil || s.State.User == nil {
		return voice.ClientInfo{}, errors.New("discord: session has no user, is it open?")
	}
	return voice.ClientInfo{UserID: s.State.User.ID, ShardCount: max(s.ShardCount, 1)}, nil
}

// handler is the Manager surface the gateway events feed.
type handler interface {
	HandleVoiceServerUpdate(voice.VoiceServerUpdate)
	HandleVoiceStateUpdate(voice.VoiceStateUpdate)
}

// Attach routes the sessions' voice events to m and returns a function that
// removes the handlers again. Handlers run synchronously so the updates for
// one guild reach m in gateway order.
func Attach(m *voice.Manager, sessions ...*discordgo.Session) (detach func()) {
	var removers []func()
	for _, s := range sessions {
		s.SyncEvents = true
		removers = append(removers,
			s.AddHandler(onVoiceServerUpdate(m)),
			s.AddHandler(onVoiceStateUpdate(m)),
		)
	}
	return func() {
		for _, rm := range removers {
			rm()
		}
	}
}

func onVoiceServerUpdate(h handler) func(*discordgo.Session, *discordgo.VoiceServerUpdate) {
	return func(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		slog.Debug("discord: voice server update", "guild_id", e.GuildID, "endpoint", e.Endpoint)
		h.HandleVoiceServerUpdate(ServerUpdate(e))
	}
}

func onVoiceStateUpdate(h handler) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if e.VoiceState == nil {
			return
		}
		h.HandleVoiceStateUpdate(StateUpdate(e))
	}
}

// ServerUpdate converts a discordgo VOICE_SERVER_UPDATE.
func ServerUpdate(e *discordgo.VoiceServerUpdate) voice.VoiceServerUpdate {
	return voice.VoiceServerUpdate{GuildID: e.GuildID, Token: e.Token, Endpoint: e.Endpoint}
}

// StateUpdate converts a discordgo VOICE_STATE_UPDATE. discordgo reports a
// null channel as "".
func StateUpdate(e *discordgo.VoiceStateUpdate) voice.VoiceStateUpdate {
	return voice.VoiceStateUpdate{
		GuildID:   e.GuildID,
		ChannelID: e.ChannelID,
		SessionID: e.SessionID,
		UserID:    e.UserID,
	}
}

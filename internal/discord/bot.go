// Package discord owns the tonearm gateway session. It opens the
// discordgo connection with the intents voice needs, feeds its voice
// events to the call manager and counts them.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/tonearm/internal/config"
	"github.com/MrWong99/tonearm/internal/observe"
	"github.com/MrWong99/tonearm/pkg/voice"
	voicediscord "github.com/MrWong99/tonearm/pkg/voice/discord"
)

// intents is everything the bot subscribes to. Guilds keeps the state
// cache populated; voice states carry VOICE_STATE_UPDATE.
const intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

// Bot owns one gateway session.
type Bot struct {
	session *discordgo.Session
	metrics *observe.Metrics

	mu        sync.Mutex
	removers  []func()
	closeOnce sync.Once
}

// New creates a Bot for the configured shard. The session is not opened
// until [Bot.Open]. A nil m uses [observe.DefaultMetrics].
func New(cfg config.DiscordConfig, m *observe.Metrics) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = intents
	if cfg.ShardCount > 0 {
		session.ShardID = cfg.ShardID
		session.ShardCount = cfg.ShardCount
	}
	// Events for one guild must reach the call manager in gateway order.
	session.SyncEvents = true

	if m == nil {
		m = observe.DefaultMetrics()
	}
	b := &Bot{session: session, metrics: m}
	b.track(
		session.AddHandler(b.countServerUpdate),
		session.AddHandler(b.countStateUpdate),
		session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			slog.Info("discord: gateway ready", "user", r.User.Username, "shard_id", session.ShardID)
		}),
	)
	return b, nil
}

// Open connects to the gateway. discordgo blocks until the identify
// handshake is done, so ctx is only checked up front.
func (b *Bot) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	return nil
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// ClientInfo identifies the bot to the call manager. The session must be
// open.
func (b *Bot) ClientInfo() (voice.ClientInfo, error) {
	return voicediscord.ClientInfo(b.session)
}

// Sink returns the voice state update sink for [voice.Config].
func (b *Bot) Sink() voice.SubmitFunc {
	return voicediscord.NewSink(b.session).Submit
}

// Attach routes the session's voice events to m until the bot is closed.
func (b *Bot) Attach(m *voice.Manager) {
	b.track(voicediscord.Attach(m, b.session))
}

func (b *Bot) track(removers ...func()) {
	b.mu.Lock()
	b.removers = append(b.removers, removers...)
	b.mu.Unlock()
}

func (b *Bot) countServerUpdate(_ *discordgo.Session, _ *discordgo.VoiceServerUpdate) {
	b.metrics.RecordGatewayEvent(context.Background(), "voice_server_update")
}

func (b *Bot) countStateUpdate(_ *discordgo.Session, _ *discordgo.VoiceStateUpdate) {
	b.metrics.RecordGatewayEvent(context.Background(), "voice_state_update")
}

// Close removes every handler and disconnects from the gateway.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		for _, rm := range b.removers {
			rm()
		}
		b.removers = nil
		b.mu.Unlock()

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

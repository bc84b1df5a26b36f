// Package voice is a Discord voice call engine.
//
// A [Manager] owns one [Call] per guild. Joining a channel emits an outbound
// voice state update through the configured sink; the gateway answers with
// a VOICE_SERVER_UPDATE and a VOICE_STATE_UPDATE, in either order, which
// the caller routes back through [Manager.HandleVoiceServerUpdate] and
// [Manager.HandleVoiceStateUpdate]. Once both have arrived the call opens
// an encrypted voice socket. [Call.Play] then streams a [source.Input]
// through a [TrackHandle] at one Opus frame per 20 ms.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/tonearm/pkg/voice/source"
	"github.com/MrWong99/tonearm/pkg/voice/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultVoiceUpdateLimit = rate.Limit(2) // per second, per shard
	defaultVoiceUpdateBurst = 5
)

// VoiceUpdate is the outbound gateway frame (opcode 4) a Manager asks the
// gateway client to send.
type VoiceUpdate struct {
	ShardID int               `json:"shard_id"`
	Payload VoiceStatePayload `json:"payload"`
}

// VoiceStatePayload is the body of a voice state update. A nil ChannelID
// leaves the current channel and marshals to JSON null.
type VoiceStatePayload struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// String renders the update as JSON for logs.
func (u VoiceUpdate) String() string {
	b, _ := json.Marshal(u)
	return string(b)
}

// SubmitFunc delivers an outbound voice state update to the gateway.
type SubmitFunc func(ctx context.Context, u VoiceUpdate) error

// VoiceServerUpdate is the inbound VOICE_SERVER_UPDATE event.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

// VoiceStateUpdate is the inbound VOICE_STATE_UPDATE event. An empty
// ChannelID means the user is not in a voice channel.
type VoiceStateUpdate struct {
	GuildID   string
	ChannelID string
	SessionID string
	UserID    string
}

// ClientInfo identifies the bot to the voice gateway.
type ClientInfo struct {
	UserID     string
	ShardCount int
}

// Conn is an open voice socket. *transport.Conn implements it.
type Conn interface {
	WriteOpus(opus []byte) error
	SetSpeaking(ctx context.Context, speaking bool) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a voice socket.
type DialFunc func(ctx context.Context, cfg transport.Config) (Conn, error)

// DialTransport is the default [DialFunc].
func DialTransport(ctx context.Context, cfg transport.Config) (Conn, error) {
	c, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config configures a [Manager].
type Config struct {
	// SubmitVoiceUpdate sends outbound voice state updates. Required.
	SubmitVoiceUpdate SubmitFunc

	// ClientInfo identifies the bot. UserID and a ShardCount of at least 1
	// are required.
	ClientInfo ClientInfo

	// HandshakeTimeout bounds a join from request to connected socket.
	// Default 10s.
	HandshakeTimeout time.Duration

	// Dial opens voice sockets. Default [DialTransport].
	Dial DialFunc

	// MeterProvider receives the engine's metrics. Default is the global
	// provider.
	MeterProvider metric.MeterProvider

	// TracerProvider receives join spans. Default is the global provider.
	TracerProvider trace.TracerProvider

	// Playback tunes read-ahead for every track.
	Playback source.Options

	// VoiceUpdateLimit and VoiceUpdateBurst rate limit outbound updates per
	// shard. Defaults are 2/s with a burst of 5.
	VoiceUpdateLimit rate.Limit
	VoiceUpdateBurst int
}

func (c *Config) validate() error {
	var errs []error
	if c.SubmitVoiceUpdate == nil {
		errs = append(errs, errors.New("SubmitVoiceUpdate is required"))
	}
	if c.ClientInfo.UserID == "" {
		errs = append(errs, errors.New("ClientInfo.UserID is required"))
	}
	if c.ClientInfo.ShardCount < 1 {
		errs = append(errs, fmt.Errorf("ClientInfo.ShardCount must be at least 1, got %d", c.ClientInfo.ShardCount))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Manager is the registry of calls and the single point where outbound
// voice state updates are emitted and inbound gateway events are routed.
type Manager struct {
	cfg      Config
	metrics  *metrics
	tracer   trace.Tracer
	limiters []*rate.Limiter

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
}

// New creates a Manager. It fails with [ErrConfig] if a required field is
// missing.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = DialTransport
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.VoiceUpdateLimit <= 0 {
		cfg.VoiceUpdateLimit = defaultVoiceUpdateLimit
	}
	if cfg.VoiceUpdateBurst <= 0 {
		cfg.VoiceUpdateBurst = defaultVoiceUpdateBurst
	}

	met, err := newMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("voice: create metrics: %w", err)
	}

	limiters := make([]*rate.Limiter, cfg.ClientInfo.ShardCount)
	for i := range limiters {
		limiters[i] = rate.NewLimiter(cfg.VoiceUpdateLimit, cfg.VoiceUpdateBurst)
	}

	return &Manager{
		cfg:      cfg,
		metrics:  met,
		tracer:   cfg.TracerProvider.Tracer(scopeName),
		limiters: limiters,
		calls:    make(map[string]*Call),
	}, nil
}

// ShardID returns the gateway shard responsible for guildID.
func (m *Manager) ShardID(guildID string) (int, error) {
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("voice: invalid guild id %q: %w", guildID, err)
	}
	return int((id >> 22) % uint64(m.cfg.ClientInfo.ShardCount)), nil
}

// CreateCall registers a call for guildID. Exactly one call exists per
// guild; a second CreateCall fails with [ErrCallExists] until the first
// call has left or failed.
func (m *Manager) CreateCall(guildID string) (*Call, error) {
	if _, err := m.ShardID(guildID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrCallClosed
	}
	if _, ok := m.calls[guildID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCallExists, guildID)
	}
	c := newCall(m, guildID)
	m.calls[guildID] = c
	m.metrics.activeCalls.Add(context.Background(), 1)
	slog.Debug("voice: call created", "guild_id", guildID)
	return c, nil
}

// Call returns the call for guildID.
func (m *Manager) Call(guildID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[guildID]
	return c, ok
}

// Calls returns every registered call ordered by guild ID.
func (m *Manager) Calls() []*Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.calls))
	out := make([]*Call, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.calls[id])
	}
	return out
}

// HandleVoiceServerUpdate routes a VOICE_SERVER_UPDATE to its call. Events
// for guilds without a call are dropped.
func (m *Manager) HandleVoiceServerUpdate(u VoiceServerUpdate) {
	c, ok := m.Call(u.GuildID)
	if !ok {
		slog.Debug("voice: dropping server update for unknown guild", "guild_id", u.GuildID)
		return
	}
	c.UpdateVoiceServer(u)
}

// HandleVoiceStateUpdate routes a VOICE_STATE_UPDATE to its call. Events
// for other users and for guilds without a call are dropped.
func (m *Manager) HandleVoiceStateUpdate(u VoiceStateUpdate) {
	if u.UserID != m.cfg.ClientInfo.UserID {
		return
	}
	c, ok := m.Call(u.GuildID)
	if !ok {
		slog.Debug("voice: dropping state update for unknown guild", "guild_id", u.GuildID)
		return
	}
	c.UpdateVoiceState(u)
}

// Close leaves every call and refuses new ones. Leave failures are logged
// and joined into the returned error.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	calls := slices.Collect(maps.Values(m.calls))
	m.mu.Unlock()

	var errs []error
	for _, c := range calls {
		if err := c.Leave(ctx); err != nil {
			slog.Warn("voice: leave on close failed", "guild_id", c.GuildID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// submit sends a voice state update for guildID, waiting on the shard's
// rate limiter.
func (m *Manager) submit(ctx context.Context, guildID string, channelID *string) error {
	shard, err := m.ShardID(guildID)
	if err != nil {
		return err
	}
	if err := m.limiters[shard].Wait(ctx); err != nil {
		return fmt.Errorf("voice: rate limit voice update: %w", err)
	}
	u := VoiceUpdate{
		ShardID: shard,
		Payload: VoiceStatePayload{GuildID: guildID, ChannelID: channelID},
	}
	slog.Debug("voice: submitting voice update", "guild_id", guildID, "update", u.String())
	if err := m.cfg.SubmitVoiceUpdate(ctx, u); err != nil {
		return fmt.Errorf("voice: submit voice update: %w", err)
	}
	return nil
}

// remove drops c from the registry once it is terminal.
func (m *Manager) remove(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls[c.guildID] == c {
		delete(m.calls, c.guildID)
		m.metrics.activeCalls.Add(context.Background(), -1)
	}
}

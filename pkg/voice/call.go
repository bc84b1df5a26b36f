package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tonearm/pkg/voice/source"
)

// State is the lifecycle state of a [Call].
type State int

const (
	// StateIdle is a call that is not connected and not joining.
	StateIdle State = iota
	// StateAwaiting waits for the server and state gateway events, which
	// may arrive in either order.
	StateAwaiting
	// StateHandshaking has both events and is opening the voice socket.
	StateHandshaking
	// StateConnected has an open voice socket.
	StateConnected
	// StateDisconnected is terminal: the call left or was removed from its
	// channel.
	StateDisconnected
	// StateFailed is terminal: the voice socket failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Call is the voice presence in one guild. It binds at most one voice
// socket to at most one active track.
type Call struct {
	m       *Manager
	guildID string

	// playMu serialises Play and Stop so replacing a track is atomic.
	playMu sync.Mutex

	mu        sync.Mutex
	state     State
	channelID string
	server    *VoiceServerUpdate
	session   *VoiceStateUpdate
	attempt   *joinAttempt
	gen       uint64
	conn      Conn
	track     *TrackHandle
	err       error

	schedOnce sync.Once
	quit      chan struct{}
}

func newCall(m *Manager, guildID string) *Call {
	return &Call{m: m, guildID: guildID, quit: make(chan struct{})}
}

// GuildID returns the guild this call belongs to.
func (c *Call) GuildID() string { return c.guildID }

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID returns the connected or pending channel, or "" when idle.
func (c *Call) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Track returns the active track or nil.
func (c *Call) Track() *TrackHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

// Err returns why the call failed, or nil.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Join connects to channelID and blocks until the call is connected or the
// attempt fails. Joining the connected channel returns at once, even while
// a voice server migration is pending; joining a channel that is already
// being joined waits for that attempt. Cancelling
// ctx stops waiting but does not abort the attempt.
func (c *Call) Join(ctx context.Context, channelID string) error {
	ctx, span := c.m.tracer.Start(ctx, "voice.Call.Join", trace.WithAttributes(
		attribute.String("guild_id", c.guildID),
		attribute.String("channel_id", channelID),
	))
	defer span.End()

	err := c.join(ctx, channelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Call) join(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.New("voice: join: empty channel id")
	}

	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return ErrCallClosed
	}
	// A pending voice server migration keeps the call connected to the
	// same channel, so it does not delay an idempotent join.
	if c.state == StateConnected && c.channelID == channelID && (c.attempt == nil || c.attempt.migration) {
		c.mu.Unlock()
		return nil
	}
	if a := c.attempt; a != nil {
		if a.channelID == channelID && !a.migration {
			c.mu.Unlock()
			return c.wait(ctx, a)
		}
		c.supersedeLocked(a)
	}

	a := c.newAttemptLocked(channelID, false)
	c.server, c.session = nil, nil
	c.state = StateAwaiting
	c.channelID = channelID
	c.mu.Unlock()

	if err := c.m.submit(a.ctx, c.guildID, &channelID); err != nil {
		c.mu.Lock()
		cleanup := c.failAttemptLocked(a, err, resultAborted)
		c.mu.Unlock()
		cleanup()
	}
	return c.wait(ctx, a)
}

// Leave emits a voice state update with a null channel and tears the call
// down. The call ends Disconnected and is removed from its manager.
func (c *Call) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return nil
	}
	cleanup := c.terminateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	err := c.m.submit(ctx, c.guildID, nil)
	cleanup()
	return err
}

// Play stops the active track, if any, and starts playing in. It fails
// with [ErrNotConnected] unless the call is connected.
func (c *Call) Play(in source.Input) (*TrackHandle, error) {
	if in == nil {
		return nil, errors.New("voice: play: nil input")
	}
	c.playMu.Lock()
	defer c.playMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	old := c.track
	c.track = nil
	c.mu.Unlock()

	// The previous track is terminal before the new one exists.
	if old != nil {
		old.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil, ErrNotConnected
	}
	t := newTrack(c, in, c.m.cfg.Playback)
	c.track = t
	slog.Debug("voice: track started", "guild_id", c.guildID, "track_id", t.id, "kind", in.Kind())
	return t, nil
}

// Stop ends the active track. The voice socket stays open. Calling Stop
// with no active track is a no-op.
func (c *Call) Stop() error {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	c.mu.Lock()
	t := c.track
	c.track = nil
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	return nil
}

// UpdateVoiceServer applies a VOICE_SERVER_UPDATE. While connected a new
// server triggers a background reconnect that keeps the active track.
func (c *Call) UpdateVoiceServer(u VoiceServerUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	if u.Endpoint == "" {
		// Sent while Discord allocates a new server; a complete update follows.
		return
	}
	c.server = &u
	if c.attempt == nil && c.state == StateConnected {
		slog.Info("voice: voice server changed, reconnecting", "guild_id", c.guildID, "endpoint", u.Endpoint)
		c.newAttemptLocked(c.channelID, true)
	}
	c.maybeHandshakeLocked()
}

// UpdateVoiceState applies a VOICE_STATE_UPDATE for the bot user. A null
// channel rejects a pending join or disconnects a connected call.
func (c *Call) UpdateVoiceState(u VoiceStateUpdate) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}

	if u.ChannelID == "" {
		cleanup := func() {}
		switch {
		case c.attempt != nil && !c.attempt.migration:
			cleanup = c.failAttemptLocked(c.attempt, ErrHandshakeRejected, resultRejected)
		case c.state == StateConnected:
			cleanup = c.terminateLocked(StateDisconnected, nil)
		}
		c.mu.Unlock()
		cleanup()
		return
	}

	c.session = &u
	if c.attempt == nil && c.state == StateConnected && u.ChannelID != c.channelID {
		slog.Info("voice: moved to another channel", "guild_id", c.guildID, "channel_id", u.ChannelID)
		c.channelID = u.ChannelID
	}
	c.maybeHandshakeLocked()
	c.mu.Unlock()
}

// terminateLocked moves the call into a terminal state. The returned
// cleanup closes the socket, ends the track and unregisters the call; it
// must run without Call.mu.
func (c *Call) terminateLocked(state State, reason error) func() {
	if c.state.terminal() {
		return func() {}
	}
	c.state = state
	c.err = reason
	c.gen++
	if a := c.attempt; a != nil {
		c.attempt = nil
		a.finish(ErrCallClosed)
		c.m.metrics.recordHandshake(c.guildID, resultAborted, 0)
	}
	conn, t := c.conn, c.track
	c.conn, c.track = nil, nil
	close(c.quit)

	return func() {
		if t != nil {
			if reason != nil {
				t.fail(reason)
			} else {
				t.end()
			}
		}
		if conn != nil {
			conn.Close()
		}
		c.m.remove(c)
		if reason != nil {
			slog.Warn("voice: call failed", "guild_id", c.guildID, "error", reason)
		} else {
			slog.Info("voice: call disconnected", "guild_id", c.guildID)
		}
	}
}

// detach forgets t if it is still the active track.
func (c *Call) detach(t *TrackHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track == t {
		c.track = nil
	}
}

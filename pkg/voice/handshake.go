package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/tonearm/pkg/voice/transport"
)

// joinAttempt is one pending transition to Connected. Every caller joining
// the same channel while it is pending waits on the same attempt.
type joinAttempt struct {
	channelID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	started   time.Time

	// migration marks a background reconnect to a new voice server while
	// the call stays connected.
	migration bool
}

// finish resolves the attempt. Callers hold Call.mu and have already
// removed a from Call.attempt, so finish runs once per attempt.
func (a *joinAttempt) finish(err error) {
	a.err = err
	close(a.done)
	a.cancel()
}

func (c *Call) wait(ctx context.Context, a *joinAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newAttemptLocked starts a new attempt bounded by the handshake timeout
// and invalidates any dial still in flight.
func (c *Call) newAttemptLocked(channelID string, migration bool) *joinAttempt {
	ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.HandshakeTimeout)
	a := &joinAttempt{
		channelID: channelID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
		migration: migration,
	}
	c.attempt = a
	c.gen++
	context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.mu.Lock()
			cleanup := c.failAttemptLocked(a, ErrHandshakeTimeout, resultTimeout)
			c.mu.Unlock()
			cleanup()
		}
	})
	return a
}

// supersedeLocked abandons a without touching the connection.
func (c *Call) supersedeLocked(a *joinAttempt) {
	c.attempt = nil
	c.gen++
	a.finish(ErrJoinSuperseded)
	c.m.metrics.recordHandshake(c.guildID, resultSuperseded, 0)
}

// failAttemptLocked fails a if it is still current. A failed join returns
// the call to Idle and drops any previous connection; a failed migration
// fails the whole call. The returned cleanup must run without Call.mu.
func (c *Call) failAttemptLocked(a *joinAttempt, err error, result string) func() {
	if c.attempt != a {
		return func() {}
	}
	c.attempt = nil
	c.gen++
	a.finish(err)
	c.m.metrics.recordHandshake(c.guildID, result, 0)

	if a.migration {
		return c.terminateLocked(StateFailed, fmt.Errorf("voice: voice server migration failed: %w", err))
	}

	slog.Warn("voice: join failed", "guild_id", c.guildID, "channel_id", a.channelID, "error", err)
	c.state = StateIdle
	c.channelID = ""
	c.server, c.session = nil, nil
	conn, t := c.conn, c.track
	c.conn, c.track = nil, nil
	return func() {
		if t != nil {
			t.end()
		}
		if conn != nil {
			conn.Close()
		}
	}
}

// maybeHandshakeLocked dials once both slots are filled. A slot that
// changes while a dial is in flight restarts the dial.
func (c *Call) maybeHandshakeLocked() {
	a := c.attempt
	if a == nil || c.server == nil || c.session == nil {
		return
	}
	if !a.migration {
		if c.state != StateAwaiting && c.state != StateHandshaking {
			return
		}
		c.state = StateHandshaking
	}
	c.gen++
	gen := c.gen
	cfg := transport.Config{
		Endpoint:  c.server.Endpoint,
		Token:     c.server.Token,
		SessionID: c.session.SessionID,
		GuildID:   c.guildID,
		UserID:    c.m.cfg.ClientInfo.UserID,
	}
	slog.Debug("voice: handshaking", "guild_id", c.guildID, "endpoint", cfg.Endpoint, "migration", a.migration)
	go c.handshake(a, gen, cfg)
}

func (c *Call) handshake(a *joinAttempt, gen uint64, cfg transport.Config) {
	conn, err := c.m.cfg.Dial(a.ctx, cfg)

	c.mu.Lock()
	if c.gen != gen || c.attempt != a {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		e, result := fmt.Errorf("%w: %v", ErrTransportEstablish, err), resultTransport
		if errors.Is(a.ctx.Err(), context.DeadlineExceeded) {
			e, result = ErrHandshakeTimeout, resultTimeout
		}
		cleanup := c.failAttemptLocked(a, e, result)
		c.mu.Unlock()
		cleanup()
		return
	}

	old := c.conn
	c.conn = conn
	c.attempt = nil
	c.state = StateConnected
	c.channelID = a.channelID
	a.finish(nil)
	c.m.metrics.recordHandshake(c.guildID, resultConnected, time.Since(a.started).Seconds())
	c.startSchedulerLocked()
	c.mu.Unlock()

	go c.watchConn(conn)
	if old != nil {
		old.Close()
	}
	slog.Info("voice: connected", "guild_id", c.guildID, "channel_id", a.channelID, "migration", a.migration)
}

// watchConn fails the call when its current socket dies.
func (c *Call) watchConn(conn Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	err := conn.Err()
	if err == nil {
		err = errors.New("voice socket closed")
	}
	cleanup := c.terminateLocked(StateFailed, fmt.Errorf("voice: transport failed: %w", err))
	c.mu.Unlock()
	cleanup()
}

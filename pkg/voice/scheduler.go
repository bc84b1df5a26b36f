package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
)

// trailingSilenceFrames are sent after audio stops so receivers do not
// interpolate the last real frame.
const trailingSilenceFrames = 5

const speakingTimeout = 2 * time.Second

// scheduler is the per-call tick loop. It is the only writer of audio to
// the voice socket, so RTP sequence and timestamp never race with API
// calls. Speaking changes go through a [speaker] and never hold up a tick.
type scheduler struct {
	call     *Call
	enc      *codec.Encoder
	conn     Conn
	speaker  *speaker
	speaking bool
	trailing int
}

func (c *Call) startSchedulerLocked() {
	c.schedOnce.Do(func() { go c.runScheduler() })
}

func (c *Call) runScheduler() {
	enc, err := codec.NewEncoder()
	if err != nil {
		c.mu.Lock()
		cleanup := c.terminateLocked(StateFailed, fmt.Errorf("voice: create opus encoder: %w", err))
		c.mu.Unlock()
		cleanup()
		return
	}
	s := &scheduler{call: c, enc: enc}

	ticker := time.NewTicker(codec.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *scheduler) tick() {
	c := s.call
	c.mu.Lock()
	conn, t := c.conn, c.track
	c.mu.Unlock()

	if conn == nil {
		s.conn, s.speaker, s.speaking, s.trailing = nil, nil, false, 0
		return
	}
	if conn != s.conn {
		// New socket after a migration or rejoin; it starts not speaking.
		s.conn, s.speaking, s.trailing = conn, false, 0
		s.speaker = newSpeaker(conn, c.guildID, c.quit)
	}

	kind, pcm, volume := frameNone, []int16(nil), float32(0)
	if t != nil {
		kind, pcm, volume = t.pull()
	}

	switch kind {
	case frameAudio:
		codec.ApplyVolume(pcm, volume)
		packet, err := s.enc.Encode(pcm)
		if err != nil {
			slog.Warn("voice: opus encode failed", "guild_id", c.guildID, "error", err)
			return
		}
		if !s.speaking {
			s.setSpeaking(true)
		}
		s.write(packet, frameKindAudio)
		s.trailing = trailingSilenceFrames
	case frameSilence:
		s.write(codec.SilenceFrame, frameKindSilence)
		if s.speaking {
			s.trailing = trailingSilenceFrames
		}
	default:
		if s.trailing == 0 {
			return
		}
		s.write(codec.SilenceFrame, frameKindSilence)
		s.trailing--
		if s.trailing == 0 && s.speaking {
			s.setSpeaking(false)
		}
	}
}

func (s *scheduler) write(packet []byte, kind string) {
	if err := s.conn.WriteOpus(packet); err != nil {
		// The connection watcher handles a dead socket.
		slog.Debug("voice: write frame failed", "guild_id", s.call.guildID, "error", err)
		return
	}
	s.call.m.metrics.recordFrame(kind)
}

func (s *scheduler) setSpeaking(speaking bool) {
	s.speaker.set(speaking)
	s.speaking = speaking
}

// speaker sends the speaking state of one socket from its own goroutine.
// Changes made while a send is in flight collapse into the latest state.
type speaker struct {
	conn Conn
	want atomic.Bool
	kick chan struct{}
}

func newSpeaker(conn Conn, guildID string, quit <-chan struct{}) *speaker {
	sp := &speaker{conn: conn, kick: make(chan struct{}, 1)}
	go sp.run(guildID, quit)
	return sp
}

// set records the wanted state. It never blocks.
func (sp *speaker) set(speaking bool) {
	sp.want.Store(speaking)
	select {
	case sp.kick <- struct{}{}:
	default:
	}
}

func (sp *speaker) run(guildID string, quit <-chan struct{}) {
	sent := false
	for {
		select {
		case <-quit:
			return
		case <-sp.conn.Done():
			return
		case <-sp.kick:
		}
		want := sp.want.Load()
		if want == sent {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), speakingTimeout)
		err := sp.conn.SetSpeaking(ctx, want)
		cancel()
		if err != nil {
			slog.Debug("voice: set speaking failed", "guild_id", guildID, "speaking", want, "error", err)
			continue
		}
		sent = want
	}
}

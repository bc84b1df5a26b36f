package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tonearm/internal/config"
	"github.com/MrWong99/tonearm/internal/observe"
	"github.com/MrWong99/tonearm/internal/resilience"
	"github.com/MrWong99/tonearm/pkg/voice"
	"github.com/MrWong99/tonearm/pkg/voice/source"
)

// youtubeHosts are page hosts handed to the resolver instead of being
// fetched directly.
var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// player turns configured inputs into tracks on the manager's calls.
type player struct {
	mgr      *voice.Manager
	client   *http.Client
	resolver source.Resolver

	// volume holds math.Float64bits of the current volume.
	volume atomic.Uint64
}

func newPlayer(mgr *voice.Manager, cfg config.PlaybackConfig, m *observe.Metrics) *player {
	client := &http.Client{}
	p := &player{
		mgr:    mgr,
		client: client,
		resolver: resilience.GuardResolver(source.NewYTDLP(client), resilience.BreakerConfig{
			Name:         "ytdlp",
			MaxFailures:  cfg.Resolver.MaxFailures,
			ResetTimeout: cfg.Resolver.ResetTimeout,
		}, m),
	}
	p.storeVolume(cfg.Volume)
	return p
}

func (p *player) storeVolume(v float64) {
	if v == 0 {
		v = 1
	}
	p.volume.Store(math.Float64bits(v))
}

func (p *player) currentVolume() float32 {
	return float32(math.Float64frombits(p.volume.Load()))
}

// SetVolume changes the volume of every playing track and of tracks
// started later.
func (p *player) SetVolume(v float64) {
	p.storeVolume(v)
	vol := p.currentVolume()
	for _, c := range p.mgr.Calls() {
		t := c.Track()
		if t == nil {
			continue
		}
		if err := t.SetVolume(vol); err != nil {
			slog.Debug("volume not applied", "guild_id", c.GuildID(), "error", err)
		}
	}
	slog.Info("playback volume changed", "volume", vol)
}

// input classifies raw as a search query, a YouTube page, a direct URL or
// a local file.
func (p *player) input(raw string) source.Input {
	if strings.HasPrefix(raw, source.SearchPrefix) {
		return source.YouTube(p.client, raw, source.WithResolver(p.resolver))
	}
	if u, err := url.Parse(raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if youtubeHosts[strings.ToLower(u.Hostname())] {
			return source.YouTube(p.client, raw, source.WithResolver(p.resolver))
		}
		return source.HTTP(p.client, raw)
	}
	return source.File(raw)
}

// Start joins the startup channel and, if an input is configured, plays
// it once.
func (p *player) Start(ctx context.Context, s config.StartupConfig) (err error) {
	ctx, span := observe.StartSpan(ctx, "tonearm.startup")
	defer func() { observe.Finish(span, err) }()
	log := observe.Logger(ctx).With("guild_id", s.GuildID, "channel_id", s.ChannelID)

	call, ok := p.mgr.Call(s.GuildID)
	if !ok {
		if call, err = p.mgr.CreateCall(s.GuildID); err != nil {
			return fmt.Errorf("create call: %w", err)
		}
	}
	if err := call.Join(ctx, s.ChannelID); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	log.Info("joined voice channel")

	if s.Input == "" {
		return nil
	}
	t, err := call.Play(p.input(s.Input))
	if err != nil {
		return fmt.Errorf("play %q: %w", s.Input, err)
	}
	if err := t.SetVolume(p.currentVolume()); err != nil {
		log.Debug("initial volume not applied", "error", err)
	}

	log = log.With("track_id", t.ID().String(), "input", s.Input)
	t.AddEvent(voice.EventPlayable, func(error) {
		mdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		md, err := t.Metadata(mdCtx)
		if err != nil {
			log.Info("track playable")
			return
		}
		log.Info("track playable", "title", md.Title, "duration", md.Duration)
	})
	t.AddEvent(voice.EventEnd, func(error) {
		log.Info("track ended", "position", t.Info().Position)
	})
	t.AddEvent(voice.EventError, func(err error) {
		log.Error("track failed", "error", err)
	})
	return nil
}

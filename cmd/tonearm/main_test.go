package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/MrWong99/tonearm/internal/config"
	"github.com/MrWong99/tonearm/internal/observe"
	"github.com/MrWong99/tonearm/pkg/voice"
	"github.com/MrWong99/tonearm/pkg/voice/source"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVoiceConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Voice: config.VoiceConfig{HandshakeTimeout: 3 * time.Second, UpdateRate: 4, UpdateBurst: 2},
		Playback: config.PlaybackConfig{
			BufferFrames:    100,
			PrebufferFrames: 5,
			FFmpegPath:      "/usr/bin/ffmpeg",
		},
	}
	info := voice.ClientInfo{UserID: "1001", ShardCount: 2}
	vc := voiceConfig(cfg, func(context.Context, voice.VoiceUpdate) error { return nil }, info)

	if vc.ClientInfo != info || vc.HandshakeTimeout != 3*time.Second {
		t.Errorf("voiceConfig = %+v", vc)
	}
	if vc.VoiceUpdateLimit != rate.Limit(4) || vc.VoiceUpdateBurst != 2 {
		t.Errorf("rate limit = %v/%d, want 4/2", vc.VoiceUpdateLimit, vc.VoiceUpdateBurst)
	}
	want := source.Options{BufferFrames: 100, PrebufferFrames: 5, FFmpegPath: "/usr/bin/ffmpeg"}
	if vc.Playback != want {
		t.Errorf("Playback = %+v, want %+v", vc.Playback, want)
	}
	if vc.SubmitVoiceUpdate == nil {
		t.Error("SubmitVoiceUpdate not set")
	}

	cfg.Voice.UpdateRate = 0
	if vc := voiceConfig(cfg, nil, info); vc.VoiceUpdateLimit != 0 {
		t.Errorf("zero update rate mapped to %v, want engine default", vc.VoiceUpdateLimit)
	}
}

func newTestPlayer(t *testing.T, volume float64) *player {
	t.Helper()
	mgr, err := voice.New(voice.Config{
		SubmitVoiceUpdate: func(context.Context, voice.VoiceUpdate) error { return nil },
		ClientInfo:        voice.ClientInfo{UserID: "1001", ShardCount: 1},
		MeterProvider:     noop.NewMeterProvider(),
	})
	if err != nil {
		t.Fatalf("voice.New: %v", err)
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return newPlayer(mgr, config.PlaybackConfig{Volume: volume}, m)
}

func TestPlayer_Input(t *testing.T) {
	t.Parallel()

	p := newTestPlayer(t, 0)
	tests := []struct {
		raw  string
		want source.Kind
	}{
		{"ytsearch:never gonna give you up", source.KindYouTube},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", source.KindYouTube},
		{"https://youtu.be/dQw4w9WgXcQ", source.KindYouTube},
		{"https://cdn.example.com/song.ogg", source.KindHTTP},
		{"http://radio.example:8000/stream", source.KindHTTP},
		{"/srv/music/song.opus", source.KindFile},
		{"song.mp3", source.KindFile},
	}
	for _, tt := range tests {
		if got := p.input(tt.raw).Kind(); got != tt.want {
			t.Errorf("input(%q).Kind() = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestPlayer_Volume(t *testing.T) {
	t.Parallel()

	p := newTestPlayer(t, 0)
	if got := p.currentVolume(); got != 1 {
		t.Errorf("default volume = %v, want 1", got)
	}
	p.SetVolume(0.25)
	if got := p.currentVolume(); got != 0.25 {
		t.Errorf("volume after SetVolume = %v, want 0.25", got)
	}
}

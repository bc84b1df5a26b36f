// Package config provides the configuration schema, loader, and file
// watcher for the tonearm voice bot.
package config

import "time"

// LogLevel controls log verbosity for the tonearm server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for tonearm.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Environment variables prefixed with TONEARM_ override file values.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:", prefix=TONEARM_SERVER_"`
	Discord  DiscordConfig  `yaml:"discord" env:", prefix=TONEARM_DISCORD_"`
	Voice    VoiceConfig    `yaml:"voice" env:", prefix=TONEARM_VOICE_"`
	Playback PlaybackConfig `yaml:"playback" env:", prefix=TONEARM_PLAYBACK_"`
	Startup  StartupConfig  `yaml:"startup" env:", prefix=TONEARM_STARTUP_"`
}

// ServerConfig holds the admin HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin server serving health
	// probes and /metrics (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR, overwrite"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL, overwrite"`
}

// DiscordConfig holds the gateway session settings.
type DiscordConfig struct {
	// Token is the bot token without the "Bot " prefix.
	Token string `yaml:"token" env:"TOKEN, overwrite"`

	// ShardID and ShardCount select the gateway shard this process runs.
	// A ShardCount of 0 runs a single unsharded session.
	ShardID    int `yaml:"shard_id" env:"SHARD_ID, overwrite"`
	ShardCount int `yaml:"shard_count" env:"SHARD_COUNT, overwrite"`
}

// VoiceConfig tunes the call engine.
type VoiceConfig struct {
	// HandshakeTimeout bounds a join. 0 uses the engine default of 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT, overwrite"`

	// UpdateRate and UpdateBurst rate limit outbound voice state updates
	// per shard. 0 uses the engine defaults.
	UpdateRate  float64 `yaml:"update_rate" env:"UPDATE_RATE, overwrite"`
	UpdateBurst int     `yaml:"update_burst" env:"UPDATE_BURST, overwrite"`
}

// PlaybackConfig tunes track decoding.
type PlaybackConfig struct {
	// BufferFrames is the read-ahead in 20 ms frames. Default 250.
	BufferFrames int `yaml:"buffer_frames" env:"BUFFER_FRAMES, overwrite"`

	// PrebufferFrames is how many frames must be decoded before a track is
	// playable. Default 10.
	PrebufferFrames int `yaml:"prebuffer_frames" env:"PREBUFFER_FRAMES, overwrite"`

	// FFmpegPath is the ffmpeg binary used for containers other than Ogg
	// Opus and raw PCM. Default "ffmpeg".
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH, overwrite"`

	// Volume is the initial volume of every track. 0 means 1.0.
	Volume float64 `yaml:"volume" env:"VOLUME, overwrite"`

	// Resolver guards the yt-dlp resolver with a circuit breaker.
	Resolver ResolverConfig `yaml:"resolver" env:", prefix=RESOLVER_"`
}

// ResolverConfig configures the circuit breaker around YouTube resolution.
type ResolverConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default 3.
	MaxFailures int `yaml:"max_failures" env:"MAX_FAILURES, overwrite"`

	// ResetTimeout is how long the breaker stays open. Default 60s.
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT, overwrite"`
}

// StartupConfig makes the bot join a channel and play an input as soon as
// it is online. All fields empty disables it.
type StartupConfig struct {
	GuildID   string `yaml:"guild_id" env:"GUILD_ID, overwrite"`
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID, overwrite"`

	// Input is an http(s) URL, a local file path, a YouTube URL or a
	// "ytsearch:" query.
	Input string `yaml:"input" env:"INPUT, overwrite"`
}

// Enabled reports whether a startup join is configured.
func (s StartupConfig) Enabled() bool {
	return s.GuildID != "" || s.ChannelID != "" || s.Input != ""
}

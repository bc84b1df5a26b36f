package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. An empty path builds the
// config from the environment alone.
func Load(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(ctx, envconfig.OsLookuper())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(ctx, f, envconfig.OsLookuper())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv builds and validates a config from environment variables
// only.
func LoadFromEnv(ctx context.Context, env envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := applyEnv(ctx, cfg, env); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies overrides looked up
// in env and validates the result. A nil env skips the overrides, which is
// useful in tests where configs are constructed from string literals.
func LoadFromReader(ctx context.Context, r io.Reader, env envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env != nil {
		if err := applyEnv(ctx, cfg, env); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(ctx context.Context, cfg *Config, env envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: env}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set TONEARM_DISCORD_TOKEN)"))
	}
	if cfg.Discord.ShardCount < 0 {
		errs = append(errs, fmt.Errorf("discord.shard_count %d must not be negative", cfg.Discord.ShardCount))
	}
	if cfg.Discord.ShardID < 0 || (cfg.Discord.ShardID > 0 && cfg.Discord.ShardID >= cfg.Discord.ShardCount) {
		errs = append(errs, fmt.Errorf("discord.shard_id %d is out of range for shard_count %d", cfg.Discord.ShardID, cfg.Discord.ShardCount))
	}

	// Voice
	if cfg.Voice.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.handshake_timeout %s must not be negative", cfg.Voice.HandshakeTimeout))
	}
	if cfg.Voice.UpdateRate < 0 {
		errs = append(errs, fmt.Errorf("voice.update_rate %.2f must not be negative", cfg.Voice.UpdateRate))
	}
	if cfg.Voice.UpdateBurst < 0 {
		errs = append(errs, fmt.Errorf("voice.update_burst %d must not be negative", cfg.Voice.UpdateBurst))
	}

	// Playback
	p := cfg.Playback
	if p.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("playback.buffer_frames %d must not be negative", p.BufferFrames))
	}
	if p.PrebufferFrames < 0 {
		errs = append(errs, fmt.Errorf("playback.prebuffer_frames %d must not be negative", p.PrebufferFrames))
	}
	if p.BufferFrames > 0 && p.PrebufferFrames > p.BufferFrames {
		errs = append(errs, fmt.Errorf("playback.prebuffer_frames %d exceeds buffer_frames %d", p.PrebufferFrames, p.BufferFrames))
	}
	if p.Volume < 0 || math.IsNaN(p.Volume) || math.IsInf(p.Volume, 0) {
		errs = append(errs, fmt.Errorf("playback.volume %v must be a finite number >= 0", p.Volume))
	}
	if p.Resolver.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("playback.resolver.max_failures %d must not be negative", p.Resolver.MaxFailures))
	}
	if p.Resolver.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.resolver.reset_timeout %s must not be negative", p.Resolver.ResetTimeout))
	}

	// Startup
	if s := cfg.Startup; s.Enabled() {
		if s.GuildID == "" {
			errs = append(errs, errors.New("startup.guild_id is required when startup is configured"))
		}
		if s.ChannelID == "" {
			errs = append(errs, errors.New("startup.channel_id is required when startup is configured"))
		}
	}

	return errors.Join(errs...)
}

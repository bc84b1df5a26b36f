// Command tonearm is a Discord voice bot that joins a channel and streams
// audio into it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/MrWong99/tonearm/internal/config"
	"github.com/MrWong99/tonearm/internal/discord"
	"github.com/MrWong99/tonearm/internal/health"
	"github.com/MrWong99/tonearm/internal/observe"
	"github.com/MrWong99/tonearm/pkg/voice"
	"github.com/MrWong99/tonearm/pkg/voice/source"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: environment only)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "tonearm: load %s: %v\n", *envFile, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tonearm: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tonearm: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("tonearm starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Discord gateway ───────────────────────────────────────────────────────
	bot, err := discord.New(cfg.Discord, metrics)
	if err != nil {
		slog.Error("failed to create discord session", "error", err)
		return 1
	}
	if err := bot.Open(ctx); err != nil {
		slog.Error("failed to connect to discord", "error", err)
		return 1
	}
	info, err := bot.ClientInfo()
	if err != nil {
		slog.Error("discord session has no identity", "error", err)
		_ = bot.Close()
		return 1
	}

	// ── Voice ─────────────────────────────────────────────────────────────────
	mgr, err := voice.New(voiceConfig(cfg, bot.Sink(), info))
	if err != nil {
		slog.Error("failed to create voice manager", "error", err)
		_ = bot.Close()
		return 1
	}
	bot.Attach(mgr)

	player := newPlayer(mgr, cfg.Playback, metrics)

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath,
			func(old, new *config.Config) {
				applyReload(ctx, config.Diff(old, new), level, player, metrics)
			},
			config.WithErrorHandler(func(error) {
				metrics.RecordConfigReload(ctx, "invalid")
			}),
		)
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			go func() { _ = w.Run(ctx) }()
			go reloadOnHangup(ctx, w)
		}
	}

	// ── Admin server ──────────────────────────────────────────────────────────
	var admin *http.Server
	if cfg.Server.ListenAddr != "" {
		checks := []health.Checker{health.Gateway(bot.Session())}
		if cfg.Startup.Enabled() {
			checks = append(checks, health.Voice(mgr, cfg.Startup.GuildID))
		}
		mux := http.NewServeMux()
		health.New(checks...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		admin = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server failed", "error", err)
				stop()
			}
		}()
		slog.Info("admin server listening", "addr", cfg.Server.ListenAddr)
	}

	// ── Startup playback ──────────────────────────────────────────────────────
	if cfg.Startup.Enabled() {
		go func() {
			if err := player.Start(ctx, cfg.Startup); err != nil {
				slog.Error("startup playback failed", "guild_id", cfg.Startup.GuildID, "error", err)
			}
		}()
	}

	slog.Info("tonearm ready, press Ctrl+C to shut down", "user_id", info.UserID, "shard_count", info.ShardCount)
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exit := 0
	if err := mgr.Close(shutdownCtx); err != nil {
		slog.Warn("voice manager close error", "error", err)
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "error", err)
		}
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord close error", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
		exit = 1
	}
	slog.Info("goodbye")
	return exit
}

// voiceConfig maps the file config onto the manager's.
func voiceConfig(cfg *config.Config, submit voice.SubmitFunc, info voice.ClientInfo) voice.Config {
	vc := voice.Config{
		SubmitVoiceUpdate: submit,
		ClientInfo:        info,
		HandshakeTimeout:  cfg.Voice.HandshakeTimeout,
		Playback: source.Options{
			BufferFrames:    cfg.Playback.BufferFrames,
			PrebufferFrames: cfg.Playback.PrebufferFrames,
			FFmpegPath:      cfg.Playback.FFmpegPath,
		},
		VoiceUpdateBurst: cfg.Voice.UpdateBurst,
	}
	if cfg.Voice.UpdateRate > 0 {
		vc.VoiceUpdateLimit = rate.Limit(cfg.Voice.UpdateRate)
	}
	return vc
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if changed, err := w.Reload(ctx); err == nil && !changed {
				slog.Info("SIGHUP: config file unchanged")
			}
		}
	}
}

// applyReload applies the settings that can change without a restart.
func applyReload(ctx context.Context, d config.ConfigDiff, level *slog.LevelVar, p *player, m *observe.Metrics) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		p.SetVolume(d.NewVolume)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	m.RecordConfigReload(ctx, "applied")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Command bloombot is a Discord bot that joins a voice channel on /join and
// plays a pre-loaded audio clip into it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bloombot/internal/config"
	discordbot "github.com/MrWong99/bloombot/internal/discord"
	"github.com/MrWong99/bloombot/internal/discord/commands"
	"github.com/MrWong99/bloombot/internal/health"
	"github.com/MrWong99/bloombot/internal/observe"
	"github.com/MrWong99/bloombot/internal/resilience"
	"github.com/MrWong99/bloombot/internal/voice"
	"github.com/MrWong99/bloombot/internal/voice/events"
	"github.com/MrWong99/bloombot/pkg/audio/clip"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown of all subsystems.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; the environment alone is enough)")
	envFile := flag.String("env-file", ".env", "KEY=VALUE file loaded into the environment before configuration")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "bloombot: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bloombot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bloombot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("bloombot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(observe.TelemetryConfig{
		Version:       version,
		ApplicationID: cfg.Discord.ClientID,
		GuildID:       cfg.Discord.GuildID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	telemetry.Install()
	metrics := telemetry.Metrics

	// ── Audio clip ────────────────────────────────────────────────────────────
	c, err := clip.Load(cfg.Audio.Clip)
	if err != nil {
		slog.Error("failed to load audio clip", "path", cfg.Audio.Clip, "err", err)
		return 1
	}
	meta := c.Meta()
	slog.Info("audio clip loaded",
		"name", filepath.Base(meta.Name),
		"container", meta.Container,
		"source_rate", meta.Source.SampleRate,
		"source_channels", meta.Source.Channels,
		"duration", meta.Duration,
	)

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:       cfg.Discord.Token,
		GuildID:     cfg.Discord.GuildID,
		ClientID:    cfg.Discord.ClientID,
		Permissions: cfg.Discord.Permissions,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}

	platform := resilience.GuardPlatform(bot.Platform(), resilience.CircuitBreakerConfig{
		Name:         "discord-voice",
		ResetTimeout: 30 * time.Second,
	})
	mgr := voice.NewManager(platform,
		voice.WithJoinTimeout(cfg.Audio.JoinTimeout),
		voice.WithMetrics(metrics),
		voice.WithTargetCheck(bot.VoiceTargets().Check),
		voice.WithObservers(
			events.LogObserver{},
			events.MetricsObserver{Metrics: metrics},
		),
	)

	commands.NewVoiceCommands(bot.Router(), commands.VoiceConfig{
		Manager:    mgr,
		Clip:       c,
		InviteURL:  discordbot.InviteURL(cfg.Discord.ClientID, cfg.Discord.Permissions),
		VoiceState: voiceStateLookup(bot.Session()),
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(level, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP: health + metrics ────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "discord", Check: bot.Ready},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("bot ready, press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Leave voice before closing the gateway the voice connections ride on.
	if err := mgr.Close(shutdownCtx); err != nil {
		slog.Warn("voice shutdown error", "err", err)
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exit
}

// voiceStateLookup resolves a member's current voice channel from the gateway
// state cache.
func voiceStateLookup(s *discordgo.Session) commands.VoiceStateLookup {
	return func(guildID, userID string) (string, bool) {
		vs, err := s.State.VoiceState(guildID, userID)
		if err != nil || vs == nil || vs.ChannelID == "" {
			return "", false
		}
		return vs.ChannelID, true
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "fields", d.RestartRequired)
	}
}

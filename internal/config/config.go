// Package config provides the configuration schema, loader, and hot-reload
// watcher for bloombot.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the bloombot process.
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

// Level maps l onto a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr  = ":8080"
	DefaultLogLevel    = LogInfo
	DefaultJoinTimeout = 10 * time.Second
	DefaultClip        = "bloom.mp3"
)

// Config is the root configuration structure for bloombot.
// It is typically loaded with [Load] or, in tests, [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Discord DiscordConfig `yaml:"discord"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds the observability HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"BLOOMBOT_LISTEN_ADDR"`

	// LogLevel controls verbosity. Changes are applied without a restart.
	LogLevel LogLevel `yaml:"log_level" env:"BLOOMBOT_LOG_LEVEL"`
}

// DiscordConfig holds the bot credentials and command registration scope.
type DiscordConfig struct {
	// Token is the bot token. Prefer the DISCORD_TOKEN environment variable
	// over storing it in the file.
	Token string `yaml:"token" env:"DISCORD_TOKEN"`

	// GuildID registers slash commands in one guild only. Empty registers
	// them globally.
	GuildID string `yaml:"guild_id" env:"DISCORD_GUILD_ID"`

	// ClientID is the application ID used to build the /invite link.
	ClientID string `yaml:"client_id" env:"DISCORD_CLIENT_ID"`

	// Permissions is the permission integer requested by the /invite link.
	Permissions int64 `yaml:"permissions" env:"DISCORD_PERMISSIONS"`
}

// AudioConfig selects the clip and bounds voice handshakes.
type AudioConfig struct {
	// Clip is the path of the audio file played on /join. It is decoded once
	// at startup. Default: bloom.mp3 in the working directory.
	Clip string `yaml:"clip" env:"BLOOMBOT_CLIP"`

	// JoinTimeout bounds each voice handshake (e.g., "10s").
	JoinTimeout time.Duration `yaml:"join_timeout" env:"BLOOMBOT_JOIN_TIMEOUT"`
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Audio.Clip == "" {
		cfg.Audio.Clip = DefaultClip
	}
	if cfg.Audio.JoinTimeout == 0 {
		cfg.Audio.JoinTimeout = DefaultJoinTimeout
	}
}

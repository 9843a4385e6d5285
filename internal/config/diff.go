package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists settings that changed but only take effect after
	// a restart, by their YAML path.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := []struct {
		path    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"discord.token", old.Discord.Token != new.Discord.Token},
		{"discord.guild_id", old.Discord.GuildID != new.Discord.GuildID},
		{"discord.client_id", old.Discord.ClientID != new.Discord.ClientID},
		{"discord.permissions", old.Discord.Permissions != new.Discord.Permissions},
		{"audio.clip", old.Audio.Clip != new.Audio.Clip},
		{"audio.join_timeout", old.Audio.JoinTimeout != new.Audio.JoinTimeout},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.path)
		}
	}
	return d
}

package config

// ConfigDiff describes what changed between two configs.
// Only log level and playback volume are applied without a restart; any
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VolumeChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.Volume != new.Playback.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Playback.Volume
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	oldPlayback, newPlayback := old.Playback, new.Playback
	oldPlayback.Volume, newPlayback.Volume = 0, 0
	if oldPlayback != newPlayback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Startup != new.Startup {
		d.RestartRequired = append(d.RestartRequired, "startup")
	}
	return d
}

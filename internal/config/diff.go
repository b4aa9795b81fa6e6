package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: detector tuning
// is swappable per frame, and the log level is swappable per record.
// Everything else requires a restart.
type ConfigDiff struct {
	// VADTuningChanged is true when any detector tuning field changed
	// (thresholds, hysteresis counts, ZCR or adaptive switches).
	VADTuningChanged bool

	// NewVAD carries the full new VAD section when VADTuningChanged.
	NewVAD VADConfig

	// LatencyThresholdChanged is true when the disambiguation latency
	// budget changed.
	LatencyThresholdChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Any reports whether the diff carries at least one applied change.
func (d ConfigDiff) Any() bool {
	return d.VADTuningChanged || d.LatencyThresholdChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if vadTuningChanged(old.VAD, new.VAD) {
		d.VADTuningChanged = true
		d.NewVAD = new.VAD
	}

	if old.Monitoring.LatencyThresholdMillis != new.Monitoring.LatencyThresholdMillis {
		d.LatencyThresholdChanged = true
	}

	return d
}

// vadTuningChanged compares only the fields a live detector can adopt.
// Structural fields (sample_rate, buffer sizes) are deliberately excluded;
// changing those requires new detector and buffer instances.
func vadTuningChanged(old, new VADConfig) bool {
	switch {
	case old.EnergyThreshold != new.EnergyThreshold,
		old.Sensitivity != new.Sensitivity,
		old.VoiceFramesRequired != new.VoiceFramesRequired,
		old.SilenceFramesRequired != new.SilenceFramesRequired,
		old.UseZeroCrossingRate != new.UseZeroCrossingRate,
		old.AdaptiveThreshold != new.AdaptiveThreshold,
		old.NoisePercentile != new.NoisePercentile,
		old.VoiceMultiplier != new.VoiceMultiplier:
		return true
	}
	return false
}

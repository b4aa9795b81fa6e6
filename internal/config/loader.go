package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. The IRBIS_POSTGRES_DSN environment variable, when
// set, overrides client_registry.postgres_dsn so the secret can stay out
// of the file. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if dsn := os.Getenv("IRBIS_POSTGRES_DSN"); dsn != "" {
		cfg.ClientRegistry.PostgresDSN = dsn
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// VAD ranges
	v := cfg.VAD
	if v.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must be positive", v.SampleRate))
	}
	if v.EnergyThreshold <= 0 || v.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %g is out of range (0, 1]", v.EnergyThreshold))
	}
	if v.Sensitivity < 0.1 || v.Sensitivity > 3.0 {
		errs = append(errs, fmt.Errorf("vad.sensitivity %g is out of range [0.1, 3.0]", v.Sensitivity))
	}
	if v.VoiceFramesRequired < 1 {
		errs = append(errs, fmt.Errorf("vad.voice_frames_required %d must be at least 1", v.VoiceFramesRequired))
	}
	if v.SilenceFramesRequired < 1 {
		errs = append(errs, fmt.Errorf("vad.silence_frames_required %d must be at least 1", v.SilenceFramesRequired))
	}
	if v.NoisePercentile < 1 || v.NoisePercentile > 50 {
		errs = append(errs, fmt.Errorf("vad.noise_percentile %g is out of range [1, 50]", v.NoisePercentile))
	}
	if v.VoiceMultiplier < 1 || v.VoiceMultiplier > 10 {
		errs = append(errs, fmt.Errorf("vad.voice_multiplier %g is out of range [1, 10]", v.VoiceMultiplier))
	}
	if v.MaxSegmentDurationSec <= 0 {
		errs = append(errs, fmt.Errorf("vad.max_segment_duration_s %d must be positive", v.MaxSegmentDurationSec))
	}
	if v.BufferSizeFrames <= 0 {
		errs = append(errs, fmt.Errorf("vad.buffer_size_frames %d must be positive", v.BufferSizeFrames))
	}
	if v.PreBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.pre_buffer_frames %d must not be negative", v.PreBufferFrames))
	}
	if v.ASRTargetRMS < 0.05 || v.ASRTargetRMS > 0.3 {
		errs = append(errs, fmt.Errorf("vad.asr_target_rms %g is out of range [0.05, 0.3]", v.ASRTargetRMS))
	}
	if !v.Enabled {
		slog.Warn("vad.enabled is false; the audio pipeline will not segment speech")
	}

	// Pipeline
	if cfg.Pipeline.ProviderTimeoutMillis <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.provider_timeout_ms %d must be positive", cfg.Pipeline.ProviderTimeoutMillis))
	}
	if cfg.Pipeline.IdleTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("pipeline.idle_timeout_s %d must not be negative", cfg.Pipeline.IdleTimeoutSec))
	}

	// Registry
	r := cfg.ClientRegistry
	if r.RegistrationTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("client_registry.registration_timeout_s %d must be positive", r.RegistrationTimeoutSec))
	}
	if r.StorageBackend != "" && !r.StorageBackend.IsValid() {
		errs = append(errs, fmt.Errorf("client_registry.storage_backend %q is invalid; valid values: memory, file, sqlite, postgres", r.StorageBackend))
	}
	if r.PersistentStorage {
		switch r.StorageBackend {
		case StorageFile, StorageSQLite:
			if r.StoragePath == "" {
				errs = append(errs, fmt.Errorf("client_registry.storage_path is required for backend %q", r.StorageBackend))
			}
		case StoragePostgres:
			if r.PostgresDSN == "" {
				errs = append(errs, fmt.Errorf("client_registry.postgres_dsn is required for backend %q", r.StorageBackend))
			}
		case StorageMemory:
			slog.Warn("client_registry.persistent_storage is true but storage_backend is memory; registrations will not survive restart")
		}
	}

	// Context
	if cfg.Context.SessionTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("context.session_timeout_s %d must be positive", cfg.Context.SessionTimeoutSec))
	}

	// Notifications
	if cfg.Notifications.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("notifications.queue_size %d must be positive", cfg.Notifications.QueueSize))
	}
	if cfg.Notifications.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("notifications.max_retries %d must not be negative", cfg.Notifications.MaxRetries))
	}

	// Monitoring soft checks
	if cfg.Monitoring.MetricsEnabled && cfg.Monitoring.MemoryCleanupIntervalSec <= 0 {
		slog.Warn("monitoring.memory_cleanup_interval_s is not positive; keyed metrics will never be swept")
	}

	return errors.Join(errs...)
}

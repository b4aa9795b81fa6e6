// Package app wires the Irbis subsystems into a running assistant core.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and Shutdown tears them down in order. Run supervises the
// background workers in between. Audio enters through sessions: StartSession
// builds one detection, segmentation and dispatch chain per client stream
// and hands the caller its frame queue.
//
// For testing, inject mock implementations via functional options
// (WithRegistry, WithNotifier, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irbis-voice/irbis/internal/config"
	"github.com/irbis-voice/irbis/internal/convctx"
	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/notify"
	"github.com/irbis-voice/irbis/internal/observe"
	"github.com/irbis-voice/irbis/internal/pipeline"
	"github.com/irbis-voice/irbis/internal/registry"
	"github.com/irbis-voice/irbis/internal/registry/filestore"
	"github.com/irbis-voice/irbis/internal/registry/postgres"
	sqlitestore "github.com/irbis-voice/irbis/internal/registry/sqlite"
	"github.com/irbis-voice/irbis/internal/resolve"
	"github.com/irbis-voice/irbis/internal/sched"
	"github.com/irbis-voice/irbis/internal/segmenter"
	"github.com/irbis-voice/irbis/internal/vad"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
	"github.com/irbis-voice/irbis/pkg/provider/tts"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go from its provider setup.
type Providers struct {
	ASR  asr.Provider
	Wake wake.Provider
	TTS  tts.Provider
}

// App owns all subsystem lifetimes and the active audio sessions.
type App struct {
	cfg       *config.Config
	providers Providers

	// Subsystems. Initialised in New, torn down in Shutdown.
	collector *metrics.Collector
	obs       *observe.Metrics
	reg       *registry.Registry
	scheduler *sched.Scheduler
	contexts  *convctx.Manager
	resolver  *resolve.Resolver
	notifier  *notify.Service

	// mu guards the session map and the live detection tuning. The
	// tuning starts as a copy of cfg.VAD and may be replaced at runtime
	// by RetuneDetectors.
	mu       sync.Mutex
	sessions map[string]*Session
	vadCfg   config.VADConfig

	// closers release store handles after the ordered shutdown steps.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCollector injects a metrics collector instead of building one from
// the monitoring config.
func WithCollector(c *metrics.Collector) Option {
	return func(a *App) { a.collector = c }
}

// WithObserve wires OpenTelemetry instruments into every subsystem that
// exports them.
func WithObserve(m *observe.Metrics) Option {
	return func(a *App) { a.obs = m }
}

// WithRegistry injects a client registry instead of creating one from config.
func WithRegistry(r *registry.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithScheduler injects a timer scheduler.
func WithScheduler(s *sched.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithNotifier injects a notification service.
func WithNotifier(n *notify.Service) Option {
	return func(a *App) { a.notifier = n }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go. Use Option functions to inject test doubles
// for any subsystem; everything not injected is built from cfg.
//
// New is synchronous and starts no goroutines. Call Run for the
// notification consumer and the idle sweeper, StartSession for audio.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		vadCfg:   cfg.VAD,
	}
	if providers != nil {
		a.providers = *providers
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics collector ─────────────────────────────────────────────
	if a.collector == nil && cfg.Monitoring.MetricsEnabled {
		a.collector = metrics.New(metrics.Config{
			DisambiguationLatencyThreshold: cfg.Monitoring.LatencyThreshold(),
		})
	}

	// ── 2. Client registry ───────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 3. Timer scheduler ───────────────────────────────────────────────
	if a.scheduler == nil {
		a.scheduler = sched.New(sched.WithObserve(a.obs))
	}

	// ── 4. Conversation contexts ─────────────────────────────────────────
	a.contexts = convctx.NewManager(
		convctx.WithScheduler(a.scheduler),
		convctx.WithIdleTimeout(cfg.Context.SessionTimeout()),
		convctx.WithSessionMemoryLimit(cfg.Context.MemoryLimitMB),
	)

	// ── 5. Entity resolver ───────────────────────────────────────────────
	a.resolver = resolve.New(a.reg, resolve.WithCollector(a.collector))

	// ── 6. Notification service ──────────────────────────────────────────
	a.initNotifier()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRegistry selects the snapshot store from config, creates the
// registry and loads the previous snapshot.
func (a *App) initRegistry(ctx context.Context) error {
	if a.reg != nil {
		return nil // injected
	}

	regOpts := []registry.Option{
		registry.WithTTL(a.cfg.ClientRegistry.RegistrationTimeout()),
	}
	if a.cfg.ClientRegistry.PersistentStorage {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store != nil {
			regOpts = append(regOpts, registry.WithStore(store))
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	a.reg = registry.New(regOpts...)
	if err := a.reg.Load(ctx); err != nil {
		slog.Warn("app: registry snapshot load failed, starting empty", "error", err)
	}
	return nil
}

// openStore builds the configured snapshot store. The returned closer is
// nil for stores without a handle to release.
func (a *App) openStore(ctx context.Context) (registry.SnapshotStore, func() error, error) {
	rc := a.cfg.ClientRegistry
	switch rc.StorageBackend {
	case config.StorageMemory, "":
		return nil, nil, nil
	case config.StorageFile:
		return filestore.New(rc.StoragePath), nil, nil
	case config.StorageSQLite:
		st, err := sqlitestore.Open(rc.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.StoragePostgres:
		st, err := postgres.New(ctx, rc.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { st.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", rc.StorageBackend)
	}
}

// initNotifier builds the notification service unless one was injected.
func (a *App) initNotifier() {
	if a.notifier != nil {
		return
	}
	nopts := []notify.Option{
		notify.WithCollector(a.collector),
		notify.WithObserve(a.obs),
		notify.WithPreferences(a.allowMethod),
	}
	if a.providers.TTS != nil {
		nopts = append(nopts, notify.WithTTS(a.providers.TTS))
	}
	a.notifier = notify.New(notify.Config{
		QueueSize:  a.cfg.Notifications.QueueSize,
		TTSTimeout: a.cfg.Notifications.TTSTimeout(),
		MaxRetries: a.cfg.Notifications.MaxRetries,
	}, nopts...)
}

// allowMethod suppresses spoken delivery for sessions that asked for
// quiet. Notifications without a session, or for sessions unknown to the
// context manager, keep all methods.
func (a *App) allowMethod(n notify.Notification, m notify.Method) bool {
	if m != notify.MethodTTS || n.SessionID == "" {
		return true
	}
	c, ok := a.contexts.Get(n.SessionID)
	if !ok {
		return true
	}
	if v, ok := c.Variable("quiet_mode"); ok {
		if quiet, _ := v.(bool); quiet {
			return false
		}
	}
	return true
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry returns the client registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// Contexts returns the conversation context manager.
func (a *App) Contexts() *convctx.Manager { return a.contexts }

// Resolver returns the entity resolver.
func (a *App) Resolver() *resolve.Resolver { return a.resolver }

// Notifier returns the notification service.
func (a *App) Notifier() *notify.Service { return a.notifier }

// Scheduler returns the timer scheduler.
func (a *App) Scheduler() *sched.Scheduler { return a.scheduler }

// Collector returns the metrics collector, nil when metrics are disabled.
func (a *App) Collector() *metrics.Collector { return a.collector }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background workers and blocks until ctx is cancelled:
// the notification consumer and the periodic sweeper that retires idle
// conversation contexts, expires stale registrations and rolls the
// metrics epoch. Returns the context error on a normal stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.notifier.Run(ctx) })
	g.Go(func() error { return a.sweep(ctx) })

	slog.Info("app: running",
		"wake_gated", !a.cfg.Pipeline.SkipWakeWord,
		"persistent_registry", a.cfg.ClientRegistry.PersistentStorage,
		"metrics", a.collector != nil)
	return g.Wait()
}

// sweep drops idle state on a fixed period: conversation contexts past
// their idle timeout, registrations past their TTL, and collector
// dimensions past the retention window.
func (a *App) sweep(ctx context.Context) error {
	interval := a.cfg.Monitoring.MemoryCleanupInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	retention := time.Duration(a.cfg.Monitoring.MetricsRetentionHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastReset := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			retired := a.contexts.RetireIdle(now)
			expired := a.reg.CleanupExpired(ctx, now)
			if retired > 0 || expired > 0 {
				slog.Debug("app: idle sweep",
					"contexts_retired", retired, "clients_expired", expired)
			}
			if a.collector != nil && retention > 0 && now.Sub(lastReset) >= retention {
				a.collector.Reset()
				lastReset = now
				slog.Info("app: metrics epoch rolled", "epoch", a.collector.Epoch())
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the runtime in order: sessions first, then the timer
// scheduler, the notification intake, and a final registry snapshot. It
// respects the context deadline: if ctx expires before all steps finish,
// remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.SessionCount())

		steps := []struct {
			name string
			fn   func() error
		}{
			{"sessions", func() error { a.stopSessions(); return nil }},
			{"scheduler", func() error { return a.scheduler.Shutdown(ctx) }},
			{"notifier", func() error { a.notifier.Close(); return nil }},
			{"registry", func() error { return a.reg.Flush(ctx) }},
		}
		for _, step := range steps {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "skipped", step.name)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := step.fn(); err != nil {
				slog.Warn("app: shutdown step failed", "step", step.name, "error", err)
			}
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("app: closer failed", "index", i, "error", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// vadConfig maps the detection section onto the detector's own config.
func vadConfig(vc config.VADConfig) vad.Config {
	return vad.Config{
		SampleRate:            vc.SampleRate,
		EnergyThreshold:       vc.EnergyThreshold,
		Sensitivity:           vc.Sensitivity,
		VoiceFramesRequired:   vc.VoiceFramesRequired,
		SilenceFramesRequired: vc.SilenceFramesRequired,
		UseZeroCrossingRate:   vc.UseZeroCrossingRate,
		AdaptiveThreshold:     vc.AdaptiveThreshold,
		NoisePercentile:       int(vc.NoisePercentile),
		VoiceMultiplier:       vc.VoiceMultiplier,
	}
}

// segmenterConfig maps the buffering knobs of the detection section.
func segmenterConfig(vc config.VADConfig) segmenter.Config {
	return segmenter.Config{
		PreBufferFrames:    vc.PreBufferFrames,
		BufferSizeFrames:   vc.BufferSizeFrames,
		MaxSegmentDuration: vc.MaxSegmentDuration(),
	}
}

// pipelineConfig merges the pipeline section with the normalization knobs
// that live in the detection section.
func pipelineConfig(pc config.PipelineConfig, vc config.VADConfig, language string) pipeline.Config {
	return pipeline.Config{
		SkipWakeWord:       pc.SkipWakeWord,
		Normalize:          vc.NormalizeForASR,
		FallbackToOriginal: vc.EnableFallbackToOriginal,
		TargetRMS:          vc.ASRTargetRMS,
		Language:           language,
		ProviderTimeout:    pc.ProviderTimeout(),
		IdleTimeout:        pc.IdleTimeout(),
	}
}

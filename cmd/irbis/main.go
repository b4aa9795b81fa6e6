// Command irbis is the main entry point for the Irbis voice assistant core.
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/irbis-voice/irbis/internal/app"
	"github.com/irbis-voice/irbis/internal/config"
	"github.com/irbis-voice/irbis/internal/health"
	"github.com/irbis-voice/irbis/internal/observe"
)

// version is stamped by the release build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// Secrets such as the postgres DSN may live in a .env file next to the
	// binary. A missing file is fine.
	_ = godotenv.Load()

	// ── Load configuration ─────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "irbis: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "irbis: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("irbis starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "irbis",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	obs, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create instruments", "err", err)
		return 1
	}

	// ── Application ────────────────────────────────────────────────────────────
	// Recognition, wake-word and speech providers are wired in by the
	// embedding integration. The bare server runs the client registry,
	// timers, notifications and the observability surface.
	application, err := app.New(ctx, cfg, &app.Providers{}, app.WithObserve(obs))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP: metrics and health ───────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())

		checks := []health.Checker{
			health.RegistryCheck(application.Registry()),
			health.SchedulerCheck(application.Scheduler()),
		}
		if cfg.Monitoring.MetricsEnabled {
			checks = append(checks, health.CollectorCheck(application.Collector()))
		}
		health.New(checks...).Register(mux)

		srv = &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: observe.Middleware(obs)(mux),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
	}

	// ── Config hot reload ──────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(application, logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Hot reload ─────────────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable subset of a config file
// change to the running process: log verbosity, detector tuning and the
// disambiguation latency budget. Anything else logs a restart hint.
func applyConfigChange(a *app.App, logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		slog.Info("config file changed; the altered fields need a restart to apply")
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADTuningChanged {
		a.RetuneDetectors(d.NewVAD)
	}
	if d.LatencyThresholdChanged {
		if c := a.Collector(); c != nil {
			threshold := new.Monitoring.LatencyThreshold()
			c.SetLatencyThreshold(threshold)
			slog.Info("disambiguation latency budget changed", "threshold", threshold)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Irbis startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Wake mode", wakeMode(cfg.Pipeline))
	printRow("Language", cfg.Pipeline.Language)
	printRow("Detection", detectionMode(cfg.VAD))
	printRow("Client storage", storageMode(cfg.ClientRegistry))
	printRow("Metrics", onOff(cfg.Monitoring.MetricsEnabled))
	printRow("Notify queue", fmt.Sprintf("%d slots", cfg.Notifications.QueueSize))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func wakeMode(pc config.PipelineConfig) string {
	if pc.SkipWakeWord {
		return "open microphone"
	}
	return "wake-word gated"
}

func detectionMode(vc config.VADConfig) string {
	if !vc.Enabled {
		return "(disabled)"
	}
	return fmt.Sprintf("%d Hz", vc.SampleRate)
}

func storageMode(rc config.RegistryConfig) string {
	if !rc.PersistentStorage {
		return "memory only"
	}
	return string(rc.StorageBackend)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned [slog.LevelVar] lets
// the config watcher swap verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), lvl
}

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

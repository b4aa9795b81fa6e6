// Package notify queues user-facing notifications and delivers them over
// the configured channels.
//
// A Service owns a bounded queue drained by a single consumer goroutine,
// started through Run and supervised by the caller. Each notification names
// the delivery methods it wants; methods are attempted independently, a
// notification counts as delivered once any method succeeds, and methods
// that failed are retried on a later pass until the retry budget runs out.
//
// The log channel writes through slog and never fails. The TTS channel
// speaks through a tts.Provider under a per-call deadline. A preference
// hook, fed from a session read view, may suppress individual methods
// before they are attempted.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/observe"
	"github.com/irbis-voice/irbis/pkg/provider/tts"
)

// DefaultQueueSize bounds the notification queue when the config does not.
const DefaultQueueSize = 64

// DefaultTTSTimeout caps a single synthesis call.
const DefaultTTSTimeout = 10 * time.Second

var (
	// ErrQueueFull is returned by Publish when the queue is at capacity.
	ErrQueueFull = errors.New("notify: queue full")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("notify: service closed")
)

// Method is a delivery channel name.
type Method string

const (
	// MethodLog writes the notification to the structured log.
	MethodLog Method = "log"

	// MethodTTS speaks the notification message aloud.
	MethodTTS Method = "tts"
)

// Type classifies a notification for level mapping and preferences.
type Type string

const (
	TypeInfo     Type = "info"
	TypeWarning  Type = "warning"
	TypeError    Type = "error"
	TypeTimer    Type = "timer"
	TypeReminder Type = "reminder"
)

// Priority orders notifications by user-facing urgency. The queue itself
// stays FIFO; priority is carried for preference hooks and log attributes.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Notification is one user-facing message and its delivery state.
type Notification struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Priority    Priority        `json:"priority"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Details     map[string]any  `json:"details,omitempty"`
	Methods     []Method        `json:"delivery_methods"`
	SessionID   string          `json:"session_id,omitempty"`
	Domain      string          `json:"domain,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt time.Time       `json:"delivered_at"`
	Status      map[Method]bool `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
}

// Delivered reports whether any method has succeeded.
func (n Notification) Delivered() bool {
	for _, ok := range n.Status {
		if ok {
			return true
		}
	}
	return false
}

// PreferenceFunc decides whether a method may be used for a notification.
// Returning false suppresses the method without consuming retries.
type PreferenceFunc func(n Notification, m Method) bool

// Config holds the service tunables.
type Config struct {
	// QueueSize bounds the pending queue. Defaults to DefaultQueueSize.
	QueueSize int

	// TTSTimeout caps each synthesis call. Defaults to DefaultTTSTimeout.
	TTSTimeout time.Duration

	// TTSOptions is passed to every synthesis call.
	TTSOptions tts.Options

	// MaxRetries is the default retry budget for notifications that do
	// not set their own. Zero means failed methods are not retried.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Option configures optional collaborators on a Service.
type Option func(*Service)

// WithTTS wires the synthesis backend for the tts method. Without it, tts
// deliveries are skipped as unavailable.
func WithTTS(p tts.Provider) Option {
	return func(s *Service) { s.tts = p }
}

// WithPreferences installs the per-method suppression hook.
func WithPreferences(fn PreferenceFunc) Option {
	return func(s *Service) { s.prefs = fn }
}

// WithCollector wires the process metrics collector.
func WithCollector(col *metrics.Collector) Option {
	return func(s *Service) { s.col = col }
}

// WithObserve wires OpenTelemetry instruments.
func WithObserve(obs *observe.Metrics) Option {
	return func(s *Service) { s.obs = obs }
}

// Service is the notification queue and its delivery logic.
type Service struct {
	cfg   Config
	queue chan Notification
	tts   tts.Provider
	prefs PreferenceFunc
	col   *metrics.Collector
	obs   *observe.Metrics

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Service. Call Run to start the consumer.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Publish enqueues a notification without blocking. Missing fields are
// filled in: id, creation time, the log method when none was requested,
// the per-method status map and the service-wide retry budget.
func (s *Service) Publish(n Notification) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.Methods = knownMethods(n.Methods)
	if len(n.Methods) == 0 {
		n.Methods = []Method{MethodLog}
	}
	if n.Status == nil {
		n.Status = make(map[Method]bool, len(n.Methods))
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = s.cfg.MaxRetries
	}

	if !s.enqueue(n) {
		s.addMetric("queue_full", 1)
		slog.Warn("notify: queue full, notification rejected",
			"id", n.ID, "type", n.Type, "title", n.Title)
		return ErrQueueFull
	}
	s.addMetric("published", 1)
	slog.Debug("notify: notification queued",
		"id", n.ID, "type", n.Type, "methods", methodNames(n.Methods))
	return nil
}

// Close stops accepting new notifications. Safe to call multiple times.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Pending returns the current queue depth.
func (s *Service) Pending() int {
	return len(s.queue)
}

// Run drains the queue until ctx is cancelled. It is meant to be the body
// of one supervised goroutine; it returns nil on a clean stop.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("notify: consumer started", "queue_size", s.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			if left := len(s.queue); left > 0 {
				slog.Warn("notify: consumer stopping with notifications queued", "count", left)
			} else {
				slog.Info("notify: consumer stopped")
			}
			return nil
		case n := <-s.queue:
			if s.obs != nil {
				s.obs.QueuedNotifications.Add(ctx, -1)
			}
			s.deliver(ctx, n)
		}
	}
}

// deliver attempts every remaining method once, then either requeues the
// notification for the failed ones or settles it.
func (s *Service) deliver(ctx context.Context, n Notification) {
	var failures int
	for _, m := range n.Methods {
		if n.Status[m] {
			// Succeeded on an earlier pass.
			continue
		}
		if s.prefs != nil && !s.prefs(n, m) {
			s.recordAttempt(ctx, m, "suppressed")
			s.addMetric("suppressed", 1)
			continue
		}

		err := s.deliverMethod(ctx, n, m)
		if errors.Is(err, errTTSUnavailable) {
			s.recordAttempt(ctx, m, "unavailable")
			s.addMetric("tts_unavailable", 1)
			continue
		}
		if err != nil {
			failures++
			s.recordAttempt(ctx, m, "error")
			slog.Warn("notify: delivery failed",
				"id", n.ID, "method", string(m), "retry", n.RetryCount, "error", err)
			continue
		}

		n.Status[m] = true
		if n.DeliveredAt.IsZero() {
			n.DeliveredAt = time.Now()
		}
		s.recordAttempt(ctx, m, "ok")
		s.addMetric(string(m)+"_deliveries", 1)
	}

	switch {
	case failures == 0:
		if n.Delivered() {
			s.addMetric("delivered", 1)
		}
	case n.RetryCount < n.MaxRetries:
		n.RetryCount++
		s.addMetric("retries", 1)
		if !s.enqueue(n) {
			s.addMetric("dropped", 1)
			slog.Warn("notify: retry dropped, queue full", "id", n.ID)
		}
	default:
		s.addMetric("dropped", 1)
		if n.Delivered() {
			s.addMetric("delivered", 1)
			slog.Debug("notify: notification partially delivered",
				"id", n.ID, "status", statusNames(n.Status))
		} else {
			slog.Warn("notify: notification dropped after retries",
				"id", n.ID, "type", n.Type, "title", n.Title, "retries", n.RetryCount)
		}
	}
}

// errTTSUnavailable marks a tts request on a service with no provider.
var errTTSUnavailable = errors.New("notify: no tts provider")

func (s *Service) deliverMethod(ctx context.Context, n Notification, m Method) error {
	switch m {
	case MethodLog:
		s.logNotification(n)
		return nil
	case MethodTTS:
		if s.tts == nil {
			return errTTSUnavailable
		}
		text := n.Message
		if text == "" {
			text = n.Title
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.TTSTimeout)
		defer cancel()
		return s.tts.Speak(callCtx, text, s.cfg.TTSOptions)
	default:
		return errors.New("notify: unknown method " + string(m))
	}
}

// logNotification writes the notification at a level matching its type.
func (s *Service) logNotification(n Notification) {
	attrs := []any{
		"id", n.ID,
		"priority", string(n.Priority),
		"message", n.Message,
	}
	if n.SessionID != "" {
		attrs = append(attrs, "session_id", n.SessionID)
	}
	if n.Domain != "" {
		attrs = append(attrs, "domain", n.Domain)
	}
	for k, v := range n.Details {
		attrs = append(attrs, "detail."+k, v)
	}

	msg := n.Title
	if msg == "" {
		msg = n.Message
	}
	switch n.Type {
	case TypeError:
		slog.Error(msg, attrs...)
	case TypeWarning:
		slog.Warn(msg, attrs...)
	default:
		slog.Info(msg, attrs...)
	}
}

// enqueue performs a non-blocking send and bumps the depth gauge.
func (s *Service) enqueue(n Notification) bool {
	select {
	case s.queue <- n:
		if s.obs != nil {
			s.obs.QueuedNotifications.Add(context.Background(), 1)
		}
		return true
	default:
		return false
	}
}

func (s *Service) recordAttempt(ctx context.Context, m Method, status string) {
	if s.obs != nil {
		s.obs.RecordNotification(ctx, string(m), status)
	}
}

func (s *Service) addMetric(name string, v float64) {
	if s.col != nil {
		s.col.RecordComponentMetric("notify", name, v)
	}
}

// knownMethods filters the request down to methods the service understands.
func knownMethods(in []Method) []Method {
	out := make([]Method, 0, len(in))
	for _, m := range in {
		switch m {
		case MethodLog, MethodTTS:
			if !containsMethod(out, m) {
				out = append(out, m)
			}
		default:
			slog.Warn("notify: unknown delivery method requested", "method", string(m))
		}
	}
	return out
}

func containsMethod(s []Method, m Method) bool {
	for _, v := range s {
		if v == m {
			return true
		}
	}
	return false
}

func methodNames(ms []Method) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func statusNames(st map[Method]bool) map[string]bool {
	out := make(map[string]bool, len(st))
	for m, ok := range st {
		out[string(m)] = ok
	}
	return out
}

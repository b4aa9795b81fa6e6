// Package resolve enriches recognized intents with resolved entity values.
//
// The Resolver classifies each entity as a device, location, temporal or
// quantity reference using Russian and English keyword heuristics, then
// runs the matching sub-resolver against the client registry and the
// session context. Resolution adds companion fields next to the original
// entity (<name>_resolved, <name>_confidence, <name>_resolution_type plus
// a shared _resolution_metadata map) on a copy of the intent; originals
// are never mutated and entities that cannot be resolved pass through
// untouched. A failing sub-resolver is contained to its own entity.
package resolve

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/observe"
	"github.com/irbis-voice/irbis/internal/registry"
	"github.com/irbis-voice/irbis/internal/resolve/fuzzy"
	"github.com/irbis-voice/irbis/pkg/intent"
)

// Score thresholds for accepting approximate matches, on the [0, 100]
// fuzzy.TokenRatio scale.
const (
	deviceFuzzyThreshold = 70
	roomFuzzyThreshold   = 75
)

// Directory is the registry surface the resolver reads. *registry.Registry
// implements it.
type Directory interface {
	AllDevices() []registry.OwnedDevice
	DevicesByType(deviceType string) []registry.OwnedDevice
	Rooms() []string
	Get(clientID string) (registry.Registration, bool)
}

var _ Directory = (*registry.Registry)(nil)

// Session identifies the client a command came from, for contextual
// resolutions like "here". *convctx.Context implements it.
type Session interface {
	ClientID() string
}

// Option configures optional collaborators on a Resolver.
type Option func(*Resolver)

// WithCollector wires the process metrics collector; resolution latencies
// land in its disambiguation dimension.
func WithCollector(col *metrics.Collector) Option {
	return func(r *Resolver) { r.col = col }
}

// Resolver resolves entity references against the device directory.
type Resolver struct {
	dir Directory
	col *metrics.Collector
}

// New creates a Resolver over the given directory.
func New(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{dir: dir}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enrich returns a copy of in with resolved companion fields added for
// every entity a sub-resolver could handle. sess may be nil when the
// command has no session, at the cost of contextual location resolution.
func (r *Resolver) Enrich(ctx context.Context, in intent.Intent, sess Session) intent.Intent {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "resolve.Enrich",
		trace.WithAttributes(
			attribute.String("intent.name", in.Name),
			attribute.Int("intent.entities", len(in.Entities)),
		))
	defer span.End()

	out := in.Clone()
	if ctx.Err() != nil {
		return out
	}

	meta := make(map[string]any)
	var resolved int
	var confidenceSum float64
	for name, value := range in.Entities {
		if isCompanionKey(name) {
			continue
		}
		res, ok := r.resolveEntity(name, value, sess)
		if !ok {
			continue
		}
		out.Entities[name+"_resolved"] = res.Value
		out.Entities[name+"_confidence"] = res.Confidence
		out.Entities[name+"_resolution_type"] = string(res.Type)
		if len(res.Metadata) > 0 {
			meta[name] = res.Metadata
		}
		resolved++
		confidenceSum += res.Confidence
	}
	if len(meta) > 0 {
		out.Entities["_resolution_metadata"] = meta
	}

	span.SetAttributes(attribute.Int("resolve.resolved", resolved))
	if r.col != nil {
		var avg float64
		if resolved > 0 {
			avg = confidenceSum / float64(resolved)
		}
		r.col.RecordDisambiguation(metrics.DisambiguationRecord{
			Domain:      in.Domain(),
			CommandType: in.Action(),
			Latency:     time.Since(start),
			Success:     resolved > 0,
			Confidence:  avg,
		})
	}
	return out
}

// isCompanionKey reports whether an entity key was produced by a previous
// enrichment and must not be resolved again.
func isCompanionKey(name string) bool {
	return strings.HasPrefix(name, "_") ||
		strings.HasSuffix(name, "_resolved") ||
		strings.HasSuffix(name, "_confidence") ||
		strings.HasSuffix(name, "_resolution_type")
}

// resolveEntity classifies one entity and runs its sub-resolver. A panic
// inside a sub-resolver is logged and absorbed so the remaining entities
// still resolve.
func (r *Resolver) resolveEntity(name string, value any, sess Session) (res intent.Resolution, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("resolve: sub-resolver panicked",
				"entity", name, "panic", p)
			res, ok = intent.Resolution{}, false
		}
	}()

	switch classify(name, value) {
	case categoryDevice:
		return r.resolveDevice(stringValue(value))
	case categoryLocation:
		return r.resolveLocation(stringValue(value), sess)
	case categoryTemporal:
		return resolveTemporal(stringValue(value))
	case categoryQuantity:
		return resolveQuantity(stringValue(value))
	default:
		return intent.Resolution{}, false
	}
}

// deviceTypeHints maps spoken device words onto registry device types.
// Ordered so lookups stay deterministic.
var deviceTypeHints = []struct {
	kw         string
	deviceType string
}{
	{"свет", "light"}, {"ламп", "light"}, {"люстр", "light"},
	{"ночник", "light"}, {"light", "light"}, {"lamp", "light"},
	{"колонк", "speaker"}, {"динамик", "speaker"}, {"speaker", "speaker"},
	{"телевизор", "tv"}, {"television", "tv"}, {"tv", "tv"},
	{"датчик", "sensor"}, {"sensor", "sensor"},
	{"камер", "camera"}, {"camera", "camera"},
	{"розетк", "socket"}, {"socket", "socket"}, {"plug", "socket"},
	{"термостат", "thermostat"}, {"thermostat", "thermostat"},
	{"штор", "blind"}, {"blind", "blind"}, {"curtain", "blind"},
	{"чайник", "kettle"}, {"kettle", "kettle"},
	{"пылесос", "vacuum"}, {"vacuum", "vacuum"},
}

func inferDeviceType(text string) string {
	fields := strings.Fields(text)
	for _, h := range deviceTypeHints {
		if keywordHits(text, fields, h.kw) {
			return h.deviceType
		}
	}
	return ""
}

// resolveDevice tries, in order, an exact name match, a fuzzy name match
// and type-based inference over the registered devices.
func (r *Resolver) resolveDevice(raw string) (intent.Resolution, bool) {
	query := strings.TrimSpace(raw)
	if query == "" {
		return intent.Resolution{}, false
	}
	devices := r.dir.AllDevices()

	for _, od := range devices {
		if strings.EqualFold(od.Device.Name, query) {
			return intent.Resolution{
				Value:      od.Device.Name,
				Original:   raw,
				Confidence: 1.0,
				Type:       intent.ResolutionExact,
				Metadata: map[string]any{
					"client_id":   od.ClientID,
					"device_id":   od.Device.ID,
					"device_type": od.Device.Type,
				},
			}, true
		}
	}

	var best registry.OwnedDevice
	bestScore := 0
	for _, od := range devices {
		if score := fuzzy.TokenRatio(query, od.Device.Name); score > bestScore {
			bestScore, best = score, od
		}
	}
	if bestScore >= deviceFuzzyThreshold {
		return intent.Resolution{
			Value:      best.Device.Name,
			Original:   raw,
			Confidence: float64(bestScore) / 100,
			Type:       intent.ResolutionFuzzy,
			Metadata: map[string]any{
				"score":     bestScore,
				"client_id": best.ClientID,
				"device_id": best.Device.ID,
			},
		}, true
	}

	deviceType := inferDeviceType(strings.ToLower(query))
	if deviceType == "" {
		return intent.Resolution{}, false
	}
	switch matches := r.dir.DevicesByType(deviceType); len(matches) {
	case 0:
		return intent.Resolution{}, false
	case 1:
		return intent.Resolution{
			Value:      matches[0].Device.Name,
			Original:   raw,
			Confidence: 0.8,
			Type:       intent.ResolutionTypeSingle,
			Metadata: map[string]any{
				"device_type": deviceType,
				"client_id":   matches[0].ClientID,
				"device_id":   matches[0].Device.ID,
			},
		}, true
	default:
		names := make([]string, len(matches))
		for i, od := range matches {
			names[i] = od.Device.Name
		}
		return intent.Resolution{
			Value:      names,
			Original:   raw,
			Confidence: 0.6,
			Type:       intent.ResolutionTypeMultiple,
			Metadata: map[string]any{
				"device_type": deviceType,
				"candidates":  len(names),
			},
		}, true
	}
}

// resolveLocation maps "here" onto the speaking client's room and other
// values onto known room names, exactly first and fuzzily second.
func (r *Resolver) resolveLocation(raw string, sess Session) (intent.Resolution, bool) {
	query := strings.TrimSpace(raw)
	text := strings.ToLower(query)

	if text == "здесь" || text == "тут" || text == "here" {
		if sess == nil {
			return intent.Resolution{}, false
		}
		reg, ok := r.dir.Get(sess.ClientID())
		if !ok || reg.RoomName == "" {
			return intent.Resolution{}, false
		}
		return intent.Resolution{
			Value:      reg.RoomName,
			Original:   raw,
			Confidence: 0.9,
			Type:       intent.ResolutionContextual,
			Metadata:   map[string]any{"client_id": reg.ClientID},
		}, true
	}

	rooms := r.dir.Rooms()
	for _, room := range rooms {
		if strings.EqualFold(room, query) {
			return intent.Resolution{
				Value:      room,
				Original:   raw,
				Confidence: 1.0,
				Type:       intent.ResolutionExact,
			}, true
		}
	}

	bestScore := 0
	var bestRoom string
	for _, room := range rooms {
		if score := fuzzy.TokenRatio(query, room); score > bestScore {
			bestScore, bestRoom = score, room
		}
	}
	if bestScore >= roomFuzzyThreshold {
		return intent.Resolution{
			Value:      bestRoom,
			Original:   raw,
			Confidence: float64(bestScore) / 100,
			Type:       intent.ResolutionFuzzy,
			Metadata:   map[string]any{"score": bestScore},
		}, true
	}
	return intent.Resolution{}, false
}

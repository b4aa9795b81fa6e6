package metrics

import (
	"sort"
	"time"
)

// VADSnapshot is a point-in-time view of the voice-detection dimension.
type VADSnapshot struct {
	ChunksProcessed      int64
	VoiceChunks          int64
	SilenceChunks        int64
	AvgProcessingMs      float64
	MaxProcessingMs      float64
	AvgStepMs            float64
	BufferOverflows      int64
	Timeouts             int64
	CacheHits            int64
	CacheMisses          int64
	CacheHitRate         float64
	VoiceSegments        int64
	TotalVoiceDurationMs float64
	RealTimeFactor       float64
	ProcessingEfficiency float64
	BufferUtilization    float64
	AvgEnergy            float64
	AvgZCR               float64
	AvgConfidence        float64
}

// VAD returns the voice-detection dimension. Counters are read without a
// lock; a snapshot racing writers may be off by in-flight frames.
func (c *Collector) VAD() VADSnapshot {
	s := VADSnapshot{
		ChunksProcessed:      c.chunks.Load(),
		VoiceChunks:          c.voiceChunks.Load(),
		SilenceChunks:        c.silenceChunks.Load(),
		BufferOverflows:      c.overflows.Load(),
		Timeouts:             c.timeouts.Load(),
		CacheHits:            c.cacheHits.Load(),
		CacheMisses:          c.cacheMisses.Load(),
		VoiceSegments:        c.segments.Load(),
		TotalVoiceDurationMs: float64(c.voiceNanos.Load()) / 1e6,
		MaxProcessingMs:      float64(c.procMaxNanos.Load()) / 1e6,
	}
	if s.ChunksProcessed > 0 {
		n := float64(s.ChunksProcessed)
		s.AvgProcessingMs = float64(c.procNanos.Load()) / 1e6 / n
		s.AvgStepMs = float64(c.stepNanos.Load()) / 1e6 / n
		s.AvgEnergy = c.energySum.load() / n
		s.AvgZCR = c.zcrSum.load() / n
		s.AvgConfidence = c.confSum.load() / n
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	if audioNs := c.audioNanos.Load(); audioNs > 0 {
		s.RealTimeFactor = float64(c.procNanos.Load()) / float64(audioNs)
		s.ProcessingEfficiency = 1 / max(s.RealTimeFactor, 1e-3)
	}
	if n := c.utilCount.Load(); n > 0 {
		s.BufferUtilization = c.utilSum.load() / float64(n)
	}
	return s
}

// DomainActionSnapshot summarizes fire-and-forget actions for one domain.
type DomainActionSnapshot struct {
	Total         int64
	Successful    int64
	Failed        int64
	AvgDurationMs float64
	MinDurationMs float64
	MaxDurationMs float64
	ErrorRate     float64
	Timeouts      int64
	Retries       int64
	LastUpdated   time.Time
}

// ActionsSnapshot is a point-in-time view of the action dimension.
type ActionsSnapshot struct {
	PerDomain         map[string]DomainActionSnapshot
	CurrentConcurrent int
	PeakConcurrent    int
}

// Actions returns the action dimension.
func (c *Collector) Actions() ActionsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ActionsSnapshot{
		PerDomain:         make(map[string]DomainActionSnapshot, len(c.actions)),
		CurrentConcurrent: c.concurrent,
		PeakConcurrent:    c.peak,
	}
	for domain, s := range c.actions {
		snap := DomainActionSnapshot{
			Total:         s.total,
			Successful:    s.successful,
			Failed:        s.failed,
			MinDurationMs: float64(s.durMin.Nanoseconds()) / 1e6,
			MaxDurationMs: float64(s.durMax.Nanoseconds()) / 1e6,
			Timeouts:      s.timeouts,
			Retries:       s.retries,
			LastUpdated:   s.updated,
		}
		if done := s.successful + s.failed; done > 0 {
			snap.AvgDurationMs = float64(s.durSum.Nanoseconds()) / 1e6 / float64(done)
			snap.ErrorRate = float64(s.failed) / float64(done)
		}
		out.PerDomain[domain] = snap
	}
	return out
}

// IntentSnapshot summarizes one intent name.
type IntentSnapshot struct {
	Name            string
	Count           int64
	AvgConfidence   float64
	AvgProcessingMs float64
	SuccessRate     float64
	LastUsed        time.Time
}

// Intents returns all intent summaries, most used first. Ties break on
// name so the order is stable.
func (c *Collector) Intents() []IntentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IntentSnapshot, 0, len(c.intents))
	for name, s := range c.intents {
		snap := IntentSnapshot{
			Name:     name,
			Count:    s.count,
			LastUsed: s.lastUsed,
		}
		if s.count > 0 {
			snap.AvgConfidence = s.confSum / float64(s.count)
			snap.AvgProcessingMs = float64(s.procSum.Nanoseconds()) / 1e6 / float64(s.count)
			snap.SuccessRate = float64(s.successes) / float64(s.count)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TopIntents returns at most n intent summaries, most used first.
func (c *Collector) TopIntents(n int) []IntentSnapshot {
	all := c.Intents()
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// SessionSnapshot summarizes one tracked session.
type SessionSnapshot struct {
	ID           string
	Start        time.Time
	LastActivity time.Time
	IntentCount  int64
	SuccessCount int64
	FailureCount int64
	DomainsUsed  []string
	Satisfaction float64
}

// Sessions returns all session summaries ordered by id.
func (c *Collector) Sessions() []SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(c.sessions))
	for id, s := range c.sessions {
		domains := make([]string, 0, len(s.domains))
		for d := range s.domains {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		out = append(out, SessionSnapshot{
			ID:           id,
			Start:        s.start,
			LastActivity: s.activity,
			IntentCount:  s.intents,
			SuccessCount: s.succ,
			FailureCount: s.fail,
			DomainsUsed:  domains,
			Satisfaction: s.satisf,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Components returns a deep copy of the free-form component metric maps.
func (c *Collector) Components() map[string]map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]float64, len(c.components))
	for component, m := range c.components {
		cp := make(map[string]float64, len(m))
		for name, v := range m {
			cp[name] = v
		}
		out[component] = cp
	}
	return out
}

// DisambiguationSnapshot is a point-in-time view of the contextual
// resolver dimension.
type DisambiguationSnapshot struct {
	Count               int64
	Successes           int64
	Failures            int64
	AvgLatencyMs        float64
	MinLatencyMs        float64
	MaxLatencyMs        float64
	ThresholdViolations int64
	CacheHits           int64
	CacheMisses         int64
	PerDomain           map[string]int64
	PerCommandType      map[string]int64
	RecentConfidences   []float64
	AvgRecentConfidence float64
}

// Disambiguation returns the contextual resolver dimension.
func (c *Collector) Disambiguation() DisambiguationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &c.disamb
	out := DisambiguationSnapshot{
		Count:               d.count,
		Successes:           d.successes,
		Failures:            d.failures,
		MinLatencyMs:        float64(d.latMin.Nanoseconds()) / 1e6,
		MaxLatencyMs:        float64(d.latMax.Nanoseconds()) / 1e6,
		ThresholdViolations: d.violations,
		CacheHits:           d.cacheHits,
		CacheMisses:         d.cacheMisses,
		PerDomain:           make(map[string]int64, len(d.perDomain)),
		PerCommandType:      make(map[string]int64, len(d.perCommand)),
		RecentConfidences:   d.confidences.values(),
		AvgRecentConfidence: d.confidences.mean(),
	}
	if d.count > 0 {
		out.AvgLatencyMs = float64(d.latSum.Nanoseconds()) / 1e6 / float64(d.count)
	}
	for k, v := range d.perDomain {
		out.PerDomain[k] = v
	}
	for k, v := range d.perCommand {
		out.PerCommandType[k] = v
	}
	return out
}

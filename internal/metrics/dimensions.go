package metrics

import (
	"log/slog"
	"time"
)

type actionStats struct {
	total      int64
	successful int64
	failed     int64
	durSum     time.Duration
	durMin     time.Duration
	durMax     time.Duration
	timeouts   int64
	retries    int64
	updated    time.Time
}

// ActionStarted counts a fire-and-forget action entering flight.
func (c *Collector) ActionStarted(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.action(domain)
	s.total++
	s.updated = time.Now()
	c.concurrent++
	if c.concurrent > c.peak {
		c.peak = c.concurrent
	}
}

// ActionFinished records the outcome of a started action.
func (c *Collector) ActionFinished(domain string, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.action(domain)
	if err != nil {
		s.failed++
	} else {
		s.successful++
	}
	s.durSum += d
	if s.durMin == 0 || d < s.durMin {
		s.durMin = d
	}
	if d > s.durMax {
		s.durMax = d
	}
	s.updated = time.Now()
	if c.concurrent > 0 {
		c.concurrent--
	}
}

// ActionTimeout counts an action cancelled by its deadline.
func (c *Collector) ActionTimeout(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.action(domain)
	s.timeouts++
	s.updated = time.Now()
}

// ActionRetried counts one retry attempt for a domain.
func (c *Collector) ActionRetried(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.action(domain)
	s.retries++
	s.updated = time.Now()
}

func (c *Collector) action(domain string) *actionStats {
	s, ok := c.actions[domain]
	if !ok {
		s = &actionStats{}
		c.actions[domain] = s
	}
	return s
}

type intentStats struct {
	count     int64
	confSum   float64
	procSum   time.Duration
	successes int64
	lastUsed  time.Time
}

// RecordIntent counts one handled intent with its confidence, processing
// time and outcome.
func (c *Collector) RecordIntent(name string, confidence float64, procTime time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.intents[name]
	if !ok {
		s = &intentStats{}
		c.intents[name] = s
	}
	s.count++
	s.confSum += confidence
	s.procSum += procTime
	if success {
		s.successes++
	}
	s.lastUsed = time.Now()
}

type sessionStats struct {
	start    time.Time
	activity time.Time
	intents  int64
	succ     int64
	fail     int64
	domains  map[string]struct{}
	satisf   float64
}

// SessionStarted opens tracking for a session id. Recording against an
// unknown session opens it implicitly.
func (c *Collector) SessionStarted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session(id)
}

// RecordSessionIntent attributes one intent outcome to a session.
func (c *Collector) RecordSessionIntent(id, domain string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session(id)
	s.intents++
	if success {
		s.succ++
	} else {
		s.fail++
	}
	if domain != "" {
		s.domains[domain] = struct{}{}
	}
	s.activity = time.Now()
}

// RecordSatisfaction stores a satisfaction estimate for a session, clamped
// to [0, 1].
func (c *Collector) RecordSatisfaction(id string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session(id)
	s.satisf = min(1, max(0, v))
	s.activity = time.Now()
}

func (c *Collector) session(id string) *sessionStats {
	s, ok := c.sessions[id]
	if !ok {
		now := time.Now()
		s = &sessionStats{start: now, activity: now, domains: make(map[string]struct{})}
		c.sessions[id] = s
	}
	return s
}

// RecordComponentMetric accumulates value into a free-form per-component
// counter, creating it on first use.
func (c *Collector) RecordComponentMetric(component, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.components[component]
	if !ok {
		m = make(map[string]float64)
		c.components[component] = m
	}
	m[name] += value
}

const confidenceWindow = 100

type disambStats struct {
	count       int64
	successes   int64
	failures    int64
	latSum      time.Duration
	latMin      time.Duration
	latMax      time.Duration
	violations  int64
	cacheHits   int64
	cacheMisses int64
	perDomain   map[string]int64
	perCommand  map[string]int64
	confidences floatRing
}

func newDisambStats() disambStats {
	return disambStats{
		perDomain:   make(map[string]int64),
		perCommand:  make(map[string]int64),
		confidences: newFloatRing(confidenceWindow),
	}
}

// DisambiguationRecord describes one contextual resolver call.
type DisambiguationRecord struct {
	Domain      string
	CommandType string
	Latency     time.Duration
	Success     bool
	CacheHit    bool
	Confidence  float64
}

// RecordDisambiguation counts one contextual resolver call. Calls slower
// than the configured latency threshold raise the violation counter and log
// at the 1st, 10th, 100th occurrence.
func (c *Collector) RecordDisambiguation(rec DisambiguationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &c.disamb
	d.count++
	if rec.Success {
		d.successes++
	} else {
		d.failures++
	}
	d.latSum += rec.Latency
	if d.latMin == 0 || rec.Latency < d.latMin {
		d.latMin = rec.Latency
	}
	if rec.Latency > d.latMax {
		d.latMax = rec.Latency
	}
	if rec.CacheHit {
		d.cacheHits++
	} else {
		d.cacheMisses++
	}
	if rec.Domain != "" {
		d.perDomain[rec.Domain]++
	}
	if rec.CommandType != "" {
		d.perCommand[rec.CommandType]++
	}
	d.confidences.add(rec.Confidence)

	if t := c.cfg.DisambiguationLatencyThreshold; t > 0 && rec.Latency > t {
		d.violations++
		if powerOfTen(d.violations) {
			slog.Warn("metrics: disambiguation latency threshold exceeded",
				"latency", rec.Latency, "threshold", t,
				"violations", d.violations, "domain", rec.Domain)
		}
	}
}

// floatRing is a bounded ring of float64 samples, oldest overwritten first.
type floatRing struct {
	data []float64
	pos  int
	full bool
}

func newFloatRing(size int) floatRing {
	return floatRing{data: make([]float64, size)}
}

func (r *floatRing) add(v float64) {
	r.data[r.pos] = v
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

func (r *floatRing) values() []float64 {
	n := r.pos
	if r.full {
		n = len(r.data)
	}
	out := make([]float64, n)
	copy(out, r.data[:n])
	return out
}

func (r *floatRing) mean() float64 {
	vals := r.values()
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Package metrics aggregates runtime counters for every part of the
// assistant. One Collector is constructed per process and injected into
// producers. Frame-rate writes are plain atomic operations; keyed
// dimensions (actions, intents, sessions, components, disambiguation) are
// written at request rate under a short mutex.
//
// All counters are monotonic between calls to Reset, which zeroes every
// dimension and advances the epoch.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irbis-voice/irbis/internal/segmenter"
	"github.com/irbis-voice/irbis/pkg/audio"
)

// Config carries collector tunables.
type Config struct {
	// DisambiguationLatencyThreshold marks resolver calls slower than this
	// as threshold violations. Zero disables the check.
	DisambiguationLatencyThreshold time.Duration
}

// Collector is the process-wide metrics aggregator.
type Collector struct {
	cfg   Config
	epoch atomic.Uint64

	// Voice-detection dimension, written once per frame.
	chunks        atomic.Int64
	voiceChunks   atomic.Int64
	silenceChunks atomic.Int64
	procNanos     atomic.Int64
	procMaxNanos  atomic.Int64
	stepNanos     atomic.Int64
	audioNanos    atomic.Int64
	overflows     atomic.Int64
	timeouts      atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	segments      atomic.Int64
	voiceNanos    atomic.Int64
	utilSum       atomicFloat64
	utilCount     atomic.Int64
	energySum     atomicFloat64
	zcrSum        atomicFloat64
	confSum       atomicFloat64

	mu         sync.Mutex
	actions    map[string]*actionStats
	concurrent int
	peak       int
	intents    map[string]*intentStats
	sessions   map[string]*sessionStats
	components map[string]map[string]float64
	disamb     disambStats
}

var _ segmenter.Metrics = (*Collector)(nil)

// New returns an empty collector at epoch zero.
func New(cfg Config) *Collector {
	c := &Collector{cfg: cfg}
	c.init()
	return c
}

func (c *Collector) init() {
	c.actions = make(map[string]*actionStats)
	c.intents = make(map[string]*intentStats)
	c.sessions = make(map[string]*sessionStats)
	c.components = make(map[string]map[string]float64)
	c.disamb = newDisambStats()
}

// Epoch returns the number of resets performed so far.
func (c *Collector) Epoch() uint64 { return c.epoch.Load() }

// SetLatencyThreshold replaces the disambiguation latency budget at
// runtime. Zero disables violation counting.
func (c *Collector) SetLatencyThreshold(d time.Duration) {
	c.mu.Lock()
	c.cfg.DisambiguationLatencyThreshold = d
	c.mu.Unlock()
}

// Reset zeroes every dimension and advances the epoch. Readers racing a
// reset may observe a mix of old and new values for one snapshot.
func (c *Collector) Reset() {
	c.chunks.Store(0)
	c.voiceChunks.Store(0)
	c.silenceChunks.Store(0)
	c.procNanos.Store(0)
	c.procMaxNanos.Store(0)
	c.stepNanos.Store(0)
	c.audioNanos.Store(0)
	c.overflows.Store(0)
	c.timeouts.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.segments.Store(0)
	c.voiceNanos.Store(0)
	c.utilSum.store(0)
	c.utilCount.Store(0)
	c.energySum.store(0)
	c.zcrSum.store(0)
	c.confSum.store(0)

	c.mu.Lock()
	c.init()
	c.concurrent = 0
	c.peak = 0
	c.mu.Unlock()

	c.epoch.Add(1)
}

// RecordVADChunk counts one classified frame.
func (c *Collector) RecordVADChunk(isVoice bool, procTime time.Duration, cacheHit bool) {
	c.chunks.Add(1)
	if isVoice {
		c.voiceChunks.Add(1)
	} else {
		c.silenceChunks.Add(1)
	}
	if cacheHit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
	nanos := procTime.Nanoseconds()
	c.procNanos.Add(nanos)
	maxInt64(&c.procMaxNanos, nanos)
}

// FrameObserved feeds the detection dimension from a segmenter.
func (c *Collector) FrameObserved(frame audio.Frame, res audio.VADResult, _ bool, elapsed time.Duration) {
	c.RecordVADChunk(res.RawVoice, res.ProcessingTime, res.CacheHit)
	c.stepNanos.Add(elapsed.Nanoseconds())
	if d := frame.Duration(); d > 0 {
		c.audioNanos.Add(d.Nanoseconds())
	}
	c.energySum.add(res.Energy)
	c.zcrSum.add(res.ZCR)
	c.confSum.add(res.Confidence)
}

// SegmentEmitted counts one emitted segment and its forced-emission cause.
func (c *Collector) SegmentEmitted(seg *audio.Segment, reason segmenter.EmitReason) {
	c.segments.Add(1)
	c.voiceNanos.Add(seg.Duration().Nanoseconds())
	switch reason {
	case segmenter.EmitTimeout:
		c.timeouts.Add(1)
	case segmenter.EmitOverflow:
		c.overflows.Add(1)
	}
}

// RecordBufferUtilization samples the fill fraction of a voice buffer.
func (c *Collector) RecordBufferUtilization(frac float64) {
	c.utilSum.add(frac)
	c.utilCount.Add(1)
}

// atomicFloat64 accumulates float64 values through compare-and-swap on the
// bit pattern.
type atomicFloat64 struct{ bits atomic.Uint64 }

func (f *atomicFloat64) add(v float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat64) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *atomicFloat64) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func maxInt64(a *atomic.Int64, v int64) {
	for {
		old := a.Load()
		if v <= old {
			return
		}
		if a.CompareAndSwap(old, v) {
			return
		}
	}
}

func powerOfTen(n int64) bool {
	if n < 1 {
		return false
	}
	for n%10 == 0 {
		n /= 10
	}
	return n == 1
}

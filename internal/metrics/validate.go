package metrics

import (
	"fmt"
	"time"
)

// Score weights. They sum to 1 so the composite stays in [0, 1].
const (
	weightOverhead  = 0.20
	weightVAD       = 0.30
	weightIntent    = 0.25
	weightComponent = 0.15
	weightHealth    = 0.10
)

// Threshold bands behind the recommendations.
const (
	vadLatencyBudgetMs    = 50.0
	stepLatencyBudgetMs   = 10.0
	cacheRateFloor        = 0.30
	cacheRateMinLookups   = 100
	realTimeFactorCeil    = 0.5
	forcedSegmentCeil     = 0.10
	intentConfidenceFloor = 0.60
	actionErrorCeil       = 0.20
)

// PerformanceReport is the result of a performance validation pass.
// Sub-scores and the composite are in [0, 1]; dimensions with no data
// score 1 and produce no recommendations.
type PerformanceReport struct {
	Score           float64
	OverheadScore   float64
	VADScore        float64
	IntentScore     float64
	ComponentScore  float64
	HealthScore     float64
	Recommendations []string
	Epoch           uint64
	GeneratedAt     time.Time
}

// ValidatePerformance scores the collected measurements and lists the
// threshold bands currently exceeded.
func (c *Collector) ValidatePerformance() PerformanceReport {
	vad := c.VAD()
	intents := c.Intents()
	actions := c.Actions()
	disamb := c.Disambiguation()

	r := PerformanceReport{
		OverheadScore:  1,
		VADScore:       1,
		IntentScore:    1,
		ComponentScore: 1,
		HealthScore:    1,
		Epoch:          c.Epoch(),
		GeneratedAt:    time.Now(),
	}

	if vad.ChunksProcessed > 0 {
		r.OverheadScore = clamp01(1 - vad.AvgStepMs/stepLatencyBudgetMs)
		r.VADScore = vadScore(vad)

		if vad.AvgProcessingMs > vadLatencyBudgetMs {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"vad: average processing %.1f ms exceeds %.0f ms; review the feature cache and preprocessing chain",
				vad.AvgProcessingMs, vadLatencyBudgetMs))
		}
		if lookups := vad.CacheHits + vad.CacheMisses; lookups >= cacheRateMinLookups && vad.CacheHitRate < cacheRateFloor {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"vad: cache hit rate %.0f%% below %.0f%%; the stream repeats too few frames for the memo to help",
				vad.CacheHitRate*100, cacheRateFloor*100))
		}
		if vad.RealTimeFactor > realTimeFactorCeil {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"vad: real-time factor %.2f above %.2f; detection is close to falling behind capture",
				vad.RealTimeFactor, realTimeFactorCeil))
		}
		if rate := forcedRate(vad); rate > forcedSegmentCeil {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"segmenter: %.0f%% of segments force-emitted; raise buffer limits or retune release",
				rate*100))
		}
	}

	if len(intents) > 0 {
		var conf, succ float64
		for _, s := range intents {
			conf += s.AvgConfidence
			succ += s.SuccessRate
		}
		conf /= float64(len(intents))
		succ /= float64(len(intents))
		r.IntentScore = clamp01((conf + succ) / 2)
		if conf < intentConfidenceFloor {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"intent: average confidence %.2f below %.2f; review resolver keyword sets",
				conf, intentConfidenceFloor))
		}
	}

	var done, failed int64
	for _, s := range actions.PerDomain {
		done += s.Successful + s.Failed
		failed += s.Failed
	}
	if done > 0 {
		errRate := float64(failed) / float64(done)
		r.ComponentScore = clamp01(1 - errRate)
		if errRate > actionErrorCeil {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"actions: error rate %.0f%% above %.0f%%; inspect the failing domains",
				errRate*100, actionErrorCeil*100))
		}
	}

	if disamb.Count > 0 {
		violationRate := float64(disamb.ThresholdViolations) / float64(disamb.Count)
		r.HealthScore = clamp01(1 - violationRate)
		if disamb.ThresholdViolations > 0 {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf(
				"resolver: %d latency threshold violations; profile contextual disambiguation",
				disamb.ThresholdViolations))
		}
	}

	r.Score = weightOverhead*r.OverheadScore +
		weightVAD*r.VADScore +
		weightIntent*r.IntentScore +
		weightComponent*r.ComponentScore +
		weightHealth*r.HealthScore
	return r
}

// vadScore averages the cache, throughput and forced-emission health of
// the detection dimension.
func vadScore(vad VADSnapshot) float64 {
	cache := 1.0
	if lookups := vad.CacheHits + vad.CacheMisses; lookups >= cacheRateMinLookups {
		cache = clamp01(vad.CacheHitRate / cacheRateFloor)
	}
	throughput := clamp01(1 - vad.RealTimeFactor)
	forced := clamp01(1 - forcedRate(vad)/forcedSegmentCeil*0.5)
	return (cache + throughput + forced) / 3
}

func forcedRate(vad VADSnapshot) float64 {
	if vad.VoiceSegments == 0 {
		return 0
	}
	return float64(vad.BufferOverflows+vad.Timeouts) / float64(vad.VoiceSegments)
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

// Package mock provides test doubles for the wake package interfaces.
//
// Use Provider to script detections and inspect which segments were scanned.
// Detections are consumed in order; when the script runs out, a non-detection
// is returned.
package mock

import (
	"context"
	"sync"

	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
)

// DetectCall records a single invocation of Provider.Detect.
type DetectCall struct {
	// Segment is the segment passed to Detect.
	Segment *audio.Segment
}

// Provider is a mock implementation of wake.Provider.
type Provider struct {
	mu sync.Mutex

	// Detections are returned by successive Detect calls in order. When
	// exhausted, the zero Detection (not detected) is returned.
	Detections []wake.Detection

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// DetectFn, if non-nil, overrides the scripted behavior entirely.
	DetectFn func(ctx context.Context, seg *audio.Segment) (wake.Detection, error)

	// Caps is returned by Capabilities.
	Caps wake.Capabilities

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall

	next int
}

// Detect records the call and returns the next scripted detection.
func (p *Provider) Detect(ctx context.Context, seg *audio.Segment) (wake.Detection, error) {
	p.mu.Lock()
	p.DetectCalls = append(p.DetectCalls, DetectCall{Segment: seg})
	fn := p.DetectFn
	err := p.DetectErr
	var det wake.Detection
	if fn == nil && err == nil && p.next < len(p.Detections) {
		det = p.Detections[p.next]
		p.next++
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, seg)
	}
	if err != nil {
		return wake.Detection{}, err
	}
	return det, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() wake.Capabilities {
	return p.Caps
}

// DetectCallCount returns the number of Detect calls. Thread-safe.
func (p *Provider) DetectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.DetectCalls)
}

// ResetCalls clears all recorded calls and rewinds the detection script.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetectCalls = nil
	p.next = 0
}

// Ensure Provider implements wake.Provider at compile time.
var _ wake.Provider = (*Provider)(nil)

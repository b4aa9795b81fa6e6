// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to script transcription results and inspect which segments
// were delivered. Results are consumed in order; when the script runs out,
// the zero Result is returned.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []asr.Result{{Text: "turn on the light", Confidence: 0.92}},
//	}
//	res, _ := p.Transcribe(ctx, seg, "en")
package mock

import (
	"context"
	"sync"

	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Segment is the segment passed to Transcribe.
	Segment *audio.Segment
	// Language is the language hint passed to Transcribe.
	Language string
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls in order. When
	// exhausted, the zero Result is returned.
	Results []asr.Result

	// TranscribeErr, if non-nil, is returned by every Transcribe call
	// instead of a scripted result.
	TranscribeErr error

	// TranscribeFn, if non-nil, overrides the scripted behavior entirely.
	TranscribeFn func(ctx context.Context, seg *audio.Segment, language string) (asr.Result, error)

	// Caps is returned by Capabilities.
	Caps asr.Capabilities

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// ResetStateCount is the number of times ResetState was called.
	ResetStateCount int

	next int
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, seg *audio.Segment, language string) (asr.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Segment: seg, Language: language})
	fn := p.TranscribeFn
	err := p.TranscribeErr
	var res asr.Result
	if fn == nil && err == nil && p.next < len(p.Results) {
		res = p.Results[p.next]
		p.next++
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, seg, language)
	}
	if err != nil {
		return asr.Result{}, err
	}
	return res, nil
}

// ResetState increments ResetStateCount.
func (p *Provider) ResetState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetStateCount++
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() asr.Capabilities {
	return p.Caps
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// ResetCalls clears all recorded calls and rewinds the result script.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.ResetStateCount = 0
	p.next = 0
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to inspect what was spoken or rendered and to inject
// per-method failures.
//
// Example:
//
//	p := &mock.Provider{SpeakErr: errors.New("engine offline")}
//	err := p.Speak(ctx, "timer done", tts.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/irbis-voice/irbis/pkg/provider/tts"
)

// SynthCall records a single synthesis invocation.
type SynthCall struct {
	// Text is the utterance passed in.
	Text string
	// Path is the output path for SynthToFile calls, empty for Speak.
	Path string
	// Opts are the options passed in.
	Opts tts.Options
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthToFileErr, if non-nil, is returned by every SynthToFile call.
	SynthToFileErr error

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// SpeakFn, if non-nil, overrides Speak entirely.
	SpeakFn func(ctx context.Context, text string, opts tts.Options) error

	// Caps is returned by Capabilities.
	Caps tts.Capabilities

	// SynthToFileCalls records every call to SynthToFile in order.
	SynthToFileCalls []SynthCall

	// SpeakCalls records every call to Speak in order.
	SpeakCalls []SynthCall
}

// SynthToFile records the call and returns SynthToFileErr.
func (p *Provider) SynthToFile(_ context.Context, text, path string, opts tts.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthToFileCalls = append(p.SynthToFileCalls, SynthCall{Text: text, Path: path, Opts: opts})
	return p.SynthToFileErr
}

// Speak records the call and returns SpeakErr, or defers to SpeakFn when set.
func (p *Provider) Speak(ctx context.Context, text string, opts tts.Options) error {
	p.mu.Lock()
	p.SpeakCalls = append(p.SpeakCalls, SynthCall{Text: text, Opts: opts})
	fn := p.SpeakFn
	err := p.SpeakErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, opts)
	}
	return err
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() tts.Capabilities {
	return p.Caps
}

// SpeakCallCount returns the number of Speak calls. Thread-safe.
func (p *Provider) SpeakCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SpeakCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthToFileCalls = nil
	p.SpeakCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Package mock provides a test double for the audioout.Platform interface.
//
// Use Platform to inspect playback requests and inject per-method failures.
package mock

import (
	"context"
	"sync"

	"github.com/irbis-voice/irbis/pkg/provider/audioout"
)

// PlayFileCall records a single invocation of Platform.PlayFile.
type PlayFileCall struct {
	// Path is the file path passed in.
	Path string
	// Opts are the options passed in.
	Opts audioout.PlayOpts
}

// PlayStreamCall records a single invocation of Platform.PlayStream.
type PlayStreamCall struct {
	// PCM is a copy of the bytes passed in.
	PCM []byte
	// Spec is the stream description passed in.
	Spec audioout.StreamSpec
}

// Platform is a mock implementation of audioout.Platform.
type Platform struct {
	mu sync.Mutex

	// PlayFileErr, if non-nil, is returned by every PlayFile call.
	PlayFileErr error

	// PlayStreamErr, if non-nil, is returned by every PlayStream call.
	PlayStreamErr error

	// Devices is returned by ListDevices.
	Devices []audioout.Device

	// ListDevicesErr, if non-nil, is returned by ListDevices.
	ListDevicesErr error

	// SetDeviceErr, if non-nil, is returned by SetDevice.
	SetDeviceErr error

	// PlayFileCalls records every call to PlayFile in order.
	PlayFileCalls []PlayFileCall

	// PlayStreamCalls records every call to PlayStream in order.
	PlayStreamCalls []PlayStreamCall

	// StopCount, PauseCount and ResumeCount count transport calls.
	StopCount, PauseCount, ResumeCount int

	// CurrentDevice is the last ID passed to SetDevice.
	CurrentDevice string

	// CurrentVolume is the last value accepted by SetVolume.
	CurrentVolume float64
}

// PlayFile records the call and returns PlayFileErr.
func (p *Platform) PlayFile(_ context.Context, path string, opts audioout.PlayOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayFileCalls = append(p.PlayFileCalls, PlayFileCall{Path: path, Opts: opts})
	return p.PlayFileErr
}

// PlayStream records the call and returns PlayStreamErr.
func (p *Platform) PlayStream(_ context.Context, pcm []byte, spec audioout.StreamSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.PlayStreamCalls = append(p.PlayStreamCalls, PlayStreamCall{PCM: cp, Spec: spec})
	return p.PlayStreamErr
}

// Stop increments StopCount.
func (p *Platform) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCount++
	return nil
}

// Pause increments PauseCount.
func (p *Platform) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PauseCount++
	return nil
}

// Resume increments ResumeCount.
func (p *Platform) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResumeCount++
	return nil
}

// ListDevices returns Devices, ListDevicesErr.
func (p *Platform) ListDevices() ([]audioout.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Devices, p.ListDevicesErr
}

// SetDevice records the id and returns SetDeviceErr.
func (p *Platform) SetDevice(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetDeviceErr != nil {
		return p.SetDeviceErr
	}
	p.CurrentDevice = id
	return nil
}

// SetVolume validates and records v.
func (p *Platform) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return audioout.ErrBadVolume
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentVolume = v
	return nil
}

// Ensure Platform implements audioout.Platform at compile time.
var _ audioout.Platform = (*Platform)(nil)

package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/shared"
)

type fakeCapture struct {
	muted  atomic.Bool
	closes atomic.Int32
}

func (c *fakeCapture) SetMute(muted bool) { c.muted.Store(muted) }

func (c *fakeCapture) Close() error {
	c.closes.Add(1)
	return nil
}

// fakeBridge stands in for audio hardware. Render drains RTP until the
// track ends.
type fakeBridge struct {
	mu       sync.Mutex
	captures []*fakeCapture
	opts     []audio.CaptureOptions
	openErr  error
	renders  atomic.Int32
	packets  atomic.Int64
	devices  []audio.Device
}

var _ audio.Bridge = (*fakeBridge)(nil)

func (b *fakeBridge) OpenCapture(_ context.Context, opts audio.CaptureOptions, _ audio.SampleWriter) (audio.Capture, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	c := &fakeCapture{}
	c.muted.Store(opts.Muted)
	b.mu.Lock()
	b.captures = append(b.captures, c)
	b.opts = append(b.opts, opts)
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBridge) Render(ctx context.Context, _ audio.RenderOptions, src audio.RemoteTrack) error {
	b.renders.Add(1)
	for ctx.Err() == nil {
		if _, _, err := src.ReadRTP(); err != nil {
			return nil
		}
		b.packets.Add(1)
	}
	return nil
}

func (b *fakeBridge) Devices() ([]audio.Device, error) {
	return b.devices, nil
}

func (b *fakeBridge) capturesOpened() []*fakeCapture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeCapture(nil), b.captures...)
}

// fakeSession records what the registry does to it.
type fakeSession struct {
	id string

	mu        sync.Mutex
	remoteSet bool
	applied   []string
	muted     bool
	stats     Stats

	closes    atomic.Int32
	closeOnce sync.Once
	events    chan Event
}

var _ mediaSession = (*fakeSession)(nil)

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:     id,
		events: make(chan Event, 8),
		stats:  Stats{ConnectionState: "new", ConnectionType: connectionTypeUnknown},
	}
}

func (f *fakeSession) CreateOffer() (string, error) {
	return "offer-" + f.id, nil
}

func (f *fakeSession) CreateAnswer(_ context.Context, remote string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return "answer-to-" + remote, nil
}

func (f *fakeSession) SetRemoteDescription(_, kind string) error {
	if kind != "offer" && kind != "answer" {
		return fmt.Errorf("%w: %q", shared.ErrInvalidSDPType, kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return nil
}

func (f *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return shared.ErrNoRemoteDescription
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeSession) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeSession) SetMute(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeSession) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSession) Events() <-chan Event { return f.events }

func (f *fakeSession) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSession) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

// fakeFactory hands out fakeSessions and remembers every one it built.
type fakeFactory struct {
	mu    sync.Mutex
	built []*fakeSession
}

func (f *fakeFactory) New(id, _ string, _ SessionConfig) (mediaSession, error) {
	s := newFakeSession(id)
	f.mu.Lock()
	f.built = append(f.built, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) all() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.built...)
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

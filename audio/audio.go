// Package audio bridges local audio hardware to real-time media tracks: a
// capture path from the microphone through the processing chain and Opus
// encoder into an outbound track, and a render path from an inbound RTP
// stream through the Opus decoder to a speaker.
package audio

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Device classes, as reported to callers.
const (
	ClassInput  = "Audio/Source"
	ClassOutput = "Audio/Sink"
)

type Device struct {
	Name        string
	Description string
	Class       string
	IsDefault   bool
}

// SampleWriter receives encoded capture frames. *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// RemoteTrack is the inbound stream. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
}

type CaptureOptions struct {
	Device     string
	Processing Processing
	Muted      bool
	// Echo is fed by the render path of the same session.
	Echo *EchoReference
}

type RenderOptions struct {
	Device string
	Echo   *EchoReference
}

// Capture is a running capture pipeline.
type Capture interface {
	SetMute(muted bool)
	Close() error
}

// Bridge owns the audio hardware for sessions.
type Bridge interface {
	OpenCapture(ctx context.Context, opts CaptureOptions, dst SampleWriter) (Capture, error)
	// Render blocks until the stream ends, fails, or ctx is done.
	Render(ctx context.Context, opts RenderOptions, src RemoteTrack) error
	Devices() ([]Device, error)
}

package agents

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCapture struct{ closed bool }

func (c *stubCapture) SetMute(bool) {}
func (c *stubCapture) Close() error {
	c.closed = true
	return nil
}

type stubBridge struct {
	devices    []audio.Device
	devicesErr error
	frames     int
	capture    *stubCapture
}

func (b *stubBridge) OpenCapture(_ context.Context, _ audio.CaptureOptions, dst audio.SampleWriter) (audio.Capture, error) {
	for range b.frames {
		if err := dst.WriteSample(media.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}); err != nil {
			return nil, err
		}
	}
	b.capture = &stubCapture{}
	return b.capture, nil
}

func (b *stubBridge) Render(context.Context, audio.RenderOptions, audio.RemoteTrack) error {
	return nil
}

func (b *stubBridge) Devices() ([]audio.Device, error) { return b.devices, b.devicesErr }

func newTestDiagnostics(t *testing.T, bridge audio.Bridge) (*Diagnostics, *bytes.Buffer) {
	t.Helper()
	out := new(bytes.Buffer)
	printer, err := shared.NewPrinter("  ", shared.NewWriteCloser(out))
	require.NoError(t, err)
	d, err := NewDiagnostics(shared.NewNopLogger(), printer, bridge)
	require.NoError(t, err)
	return d, out
}

func TestNewDiagnosticsRequirements(t *testing.T) {
	_, err := NewDiagnostics(nil, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewDiagnostics(shared.NewNopLogger(), &shared.Printer{}, nil)
	assert.ErrorIs(t, err, shared.ErrNoBridge)
}

func TestDiagnosticsReport(t *testing.T) {
	bridge := &stubBridge{
		devices: []audio.Device{
			{Name: "hw:0", Description: "Built-in Mic", Class: audio.ClassInput, IsDefault: true},
			{Name: "hw:1", Description: "Speakers", Class: audio.ClassOutput},
		},
		frames: 50,
	}
	d, out := newTestDiagnostics(t, bridge)

	err := d.Run(context.Background(), DiagnosticsConfig{
		Relays:       []string{"stun:127.0.0.1:9", "not a url"},
		ProbeTimeout: 200 * time.Millisecond,
		MicCheck:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Built-in Mic")
	assert.Contains(t, text, "class: Audio/Source")
	assert.Contains(t, text, "stun:127.0.0.1:9")
	assert.Contains(t, text, "No relay reachable")
	assert.Contains(t, text, "50 frames, 1s of audio")
	require.NotNil(t, bridge.capture)
	assert.True(t, bridge.capture.closed)
}

func TestDiagnosticsDeviceFailure(t *testing.T) {
	d, out := newTestDiagnostics(t, &stubBridge{devicesErr: errors.New("no backend")})
	err := d.Run(context.Background(), DiagnosticsConfig{})
	require.Error(t, err)
	assert.Contains(t, out.String(), "Unable to enumerate audio devices")
}

func TestDiagnosticsSilentMicrophone(t *testing.T) {
	d, out := newTestDiagnostics(t, &stubBridge{devices: []audio.Device{{Name: "hw:0"}}})
	err := d.Run(context.Background(), DiagnosticsConfig{MicCheck: time.Millisecond})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No relay servers configured")
	assert.Contains(t, out.String(), "produced no audio")
}

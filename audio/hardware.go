package audio

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/pion/mediadevices"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
)

const defaultRingSeconds = 2

// Hardware is the Bridge backed by the local sound system.
type Hardware struct {
	logger      shared.LoggerAdapter
	ringSeconds int
}

var _ Bridge = (*Hardware)(nil)

func NewHardware(logger shared.LoggerAdapter) (*Hardware, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Hardware{
		logger:      logger.With(zap.String("component", "audio")),
		ringSeconds: defaultRingSeconds,
	}, nil
}

func (h *Hardware) initContext() (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		h.logger.Trace("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return mctx, nil
}

// Devices lists playback devices from the sound system and capture devices
// as the capture driver sees them, so that input names round-trip into
// OpenCapture. Monitor sources are skipped.
func (h *Hardware) Devices() ([]Device, error) {
	mctx, err := h.initContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	sinks, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("listing playback devices: %w", err)
	}
	sources, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("listing capture devices: %w", err)
	}
	friendly := make(map[string]string, len(sources))
	for i := range sources {
		friendly[sources[i].ID.String()] = sources[i].Name()
	}

	devices := make([]Device, 0, len(sinks)+len(sources))
	for i := range sinks {
		devices = append(devices, Device{
			Name:        sinks[i].ID.String(),
			Description: sinks[i].Name(),
			Class:       ClassOutput,
			IsDefault:   sinks[i].IsDefault != 0,
		})
	}
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.AudioInput || strings.Contains(info.Label, ".monitor") {
			continue
		}
		desc := friendly[info.Label]
		if desc == "" {
			desc = info.Label
		}
		if strings.Contains(desc, ".monitor") {
			continue
		}
		devices = append(devices, Device{
			Name:        info.Label,
			Description: desc,
			Class:       ClassInput,
		})
	}
	return devices, nil
}

// resolveInput maps a device name to the capture driver's device ID.
func (h *Hardware) resolveInput(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.AudioInput {
			continue
		}
		if info.DeviceID == name || info.Label == name {
			return info.DeviceID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", shared.ErrDeviceNotFound, name)
}

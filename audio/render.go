package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// Longest Opus frame is 120 ms.
const maxOpusFrame = 120 * time.Millisecond

// Render decodes the inbound stream and plays it until it ends.
func (h *Hardware) Render(ctx context.Context, opts RenderOptions, src RemoteTrack) error {
	var (
		codec      = src.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	logger := h.logger.With(
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
		zap.String("device", opts.Device),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating opus decoder: %w", err)
	}

	pcmBuffer := NewPCMBuffer(h.ringSeconds * sampleRate * channels * 2)
	player, err := h.openPlayback(opts.Device, uint32(sampleRate), uint32(channels), pcmBuffer)
	if err != nil {
		return err
	}
	defer player.Close()
	logger.Info("render pipeline started")

	pcm := make([]int16, FrameSamples(maxOpusFrame, sampleRate, channels))
	pcmBytes := make([]byte, len(pcm)*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		packet, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading RTP packet: %w", err)
		}
		if len(packet.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(packet.Payload, pcm)
		if err != nil {
			logger.Debug("decoding opus", zap.Error(err))
			continue
		}
		frame := pcm[:n*channels]
		opts.Echo.ObserveInt16(frame)
		out := pcmBytes[:len(frame)*2]
		for i, s := range frame {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		if dropped := pcmBuffer.Write(out); dropped > 0 {
			logger.Warn("playback buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}

type playback struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (p *playback) Close() {
	_ = p.device.Stop()
	p.device.Uninit()
	_ = p.ctx.Uninit()
	p.ctx.Free()
}

func (h *Hardware) openPlayback(name string, sampleRate, channels uint32, src *PCMBuffer) (*playback, error) {
	mctx, err := h.initContext()
	if err != nil {
		return nil, err
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = channels
	cfg.SampleRate = sampleRate
	cfg.Alsa.NoMMap = 1
	if name != "" {
		info, err := findDevice(mctx, malgo.Playback, name)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		cfg.Playback.DeviceID = info.ID.Pointer()
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			src.Fill(out)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("initializing playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("starting playback device: %w", err)
	}
	return &playback{ctx: mctx, device: device}, nil
}

func findDevice(mctx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(kind)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("listing audio devices: %w", err)
	}
	for _, info := range infos {
		if info.ID.String() == name || info.Name() == name {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("%w: %s", shared.ErrDeviceNotFound, name)
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
)

const captureStopWait = time.Second

type hardwareCapture struct {
	track  mediadevices.Track
	gate   *MuteGate
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

var _ Capture = (*hardwareCapture)(nil)

func (c *hardwareCapture) SetMute(muted bool) {
	c.gate.Set(muted)
}

func (c *hardwareCapture) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.err = c.track.Close()
		select {
		case <-c.done:
		case <-time.After(captureStopWait):
		}
	})
	return c.err
}

// OpenCapture opens the microphone and starts pushing Opus frames to dst.
func (h *Hardware) OpenCapture(ctx context.Context, opts CaptureOptions, dst SampleWriter) (Capture, error) {
	deviceID, err := h.resolveInput(opts.Device)
	if err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	gate := NewMuteGate(opts.Muted)
	chain := BuildChain(opts.Processing, opts.Echo, gate)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = deviceID
			}
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.AudioTransform = chain.Transform
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("opening microphone: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, shared.ErrNoAudioTrack
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &hardwareCapture{
		track:  tracks[0],
		gate:   gate,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := h.logger.With(
		zap.String("device", opts.Device),
		zap.String("processing", chain.Variant().String()),
	)
	logger.Info("capture pipeline started")
	go func() {
		defer close(c.done)
		streamLocalAudio(ctx, logger, dst, c.track, time.Duration(opusParams.Latency))
	}()
	return c, nil
}

// Transform adapts the chain to the mediadevices audio pipeline.
func (c *Chain) Transform(r mdaudio.Reader) mdaudio.Reader {
	return mdaudio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return chunk, release, err
		}
		switch a := chunk.(type) {
		case *wave.Int16Interleaved:
			c.ProcessInt16(a.Data)
		case *wave.Float32Interleaved:
			c.Process(a.Data)
		}
		return chunk, release, nil
	})
}

func streamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, dst SampleWriter, track mediadevices.Track, frameDuration time.Duration) {
	reader, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Error("reading from media track", err)
			}
			return
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = dst.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Debug("writing sample to track", zap.Error(err))
		}
	}
}

// Package agents holds interactive front-ends to the call service.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

type DiagnosticsConfig struct {
	Relays       []string
	Proxy        *connectivity.Proxy
	ProbeTimeout time.Duration
	// MicCheck is how long the default microphone is captured. Zero skips it.
	MicCheck time.Duration
}

type deviceReport struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Class       string `yaml:"class"`
	Default     bool   `yaml:"default,omitempty"`
}

type probeReport struct {
	URL     string `yaml:"url"`
	Network string `yaml:"network"`
	RTT     string `yaml:"rtt,omitempty"`
	Mapped  string `yaml:"mapped,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

// Diagnostics checks the machine a call would run on: audio devices, relay
// reachability and, optionally, that the microphone produces frames.
type Diagnostics struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	bridge  audio.Bridge
}

func NewDiagnostics(logger shared.LoggerAdapter, printer *shared.Printer, bridge audio.Bridge) (*Diagnostics, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if bridge == nil {
		return nil, shared.ErrNoBridge
	}
	return &Diagnostics{logger: logger, printer: printer, bridge: bridge}, nil
}

// Run prints every report and returns the first hard failure. Unreachable
// relays are reported but do not fail the run.
func (d *Diagnostics) Run(ctx context.Context, cfg DiagnosticsConfig) error {
	d.logger.Info("running diagnostics")
	if err := d.printer.Writeln("🩺 Call service diagnostics\n", 0); err != nil {
		d.logger.Error("printing diagnostics banner", err)
	}
	if err := d.devices(); err != nil {
		return err
	}
	if err := d.relays(ctx, cfg); err != nil {
		return err
	}
	if cfg.MicCheck > 0 {
		return d.microphone(ctx, cfg.MicCheck)
	}
	return nil
}

func (d *Diagnostics) devices() error {
	if err := d.printer.Writeln("🔊 Audio devices", 0); err != nil {
		d.logger.Error("printing devices header", err)
	}
	devices, err := d.bridge.Devices()
	if err != nil {
		d.logger.Error("listing audio devices", err)
		if err := d.printer.Writeln("❌ Unable to enumerate audio devices.\n", 1); err != nil {
			d.logger.Error("printing device failure", err)
		}
		return fmt.Errorf("listing audio devices: %w", err)
	}
	if len(devices) == 0 {
		return d.printer.Writeln("⚠️ No audio devices found.\n", 1)
	}
	report := make([]deviceReport, 0, len(devices))
	for _, dev := range devices {
		report = append(report, deviceReport{
			Name:        dev.Name,
			Description: dev.Description,
			Class:       dev.Class,
			Default:     dev.IsDefault,
		})
	}
	raw, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling device report: %w", err)
	}
	return d.printer.Writeln(string(raw), 1)
}

func (d *Diagnostics) relays(ctx context.Context, cfg DiagnosticsConfig) error {
	if err := d.printer.Writeln("🌐 Relay reachability", 0); err != nil {
		d.logger.Error("printing relay header", err)
	}
	if len(cfg.Relays) == 0 {
		return d.printer.Writeln("⚠️ No relay servers configured.\n", 1)
	}
	var dialer proxy.Dialer
	if cfg.Proxy != nil {
		var err error
		if dialer, err = connectivity.NewDialer(*cfg.Proxy); err != nil {
			return fmt.Errorf("building proxy dialer: %w", err)
		}
		if err := d.printer.Writef(1, "via %s proxy %s", cfg.Proxy.Kind, cfg.Proxy.Addr()); err != nil {
			d.logger.Error("printing proxy line", err)
		}
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	results := connectivity.Probe(ctx, dialer, cfg.Relays, timeout)
	report := make([]probeReport, 0, len(results))
	reachable := 0
	for _, r := range results {
		pr := probeReport{URL: r.URL, Network: r.Network}
		if r.OK() {
			reachable++
			pr.RTT = r.RTT.Round(time.Millisecond).String()
			pr.Mapped = r.Mapped
		} else {
			pr.Error = r.Err.Error()
		}
		d.logger.Debug("relay probe", zap.String("url", r.URL), zap.Duration("rtt", r.RTT), zap.Error(r.Err))
		report = append(report, pr)
	}
	raw, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling relay report: %w", err)
	}
	if err := d.printer.Writeln(string(raw), 1); err != nil {
		return err
	}
	if reachable == 0 {
		return d.printer.Writeln("❌ No relay reachable; calls behind NAT will fail.\n", 1)
	}
	return d.printer.Writef(1, "✅ %d of %d relays reachable.\n", reachable, len(results))
}

type countingWriter struct {
	frames atomic.Int64
	media  atomic.Int64
}

func (w *countingWriter) WriteSample(s media.Sample) error {
	w.frames.Add(1)
	w.media.Add(int64(s.Duration))
	return nil
}

func (d *Diagnostics) microphone(ctx context.Context, dur time.Duration) error {
	if err := d.printer.Writeln("🎤 Microphone check", 0); err != nil {
		d.logger.Error("printing microphone header", err)
	}
	w := &countingWriter{}
	capture, err := d.bridge.OpenCapture(ctx, audio.CaptureOptions{Processing: audio.DefaultProcessing()}, w)
	if err != nil {
		d.logger.Error("opening microphone", err)
		if err := d.printer.Writeln("❌ Unable to open the microphone.\n", 1); err != nil {
			d.logger.Error("printing microphone failure", err)
		}
		return fmt.Errorf("opening microphone: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
	if err := capture.Close(); err != nil {
		d.logger.Warn("closing microphone", zap.Error(err))
	}
	frames := w.frames.Load()
	if frames == 0 {
		return d.printer.Writeln("❌ The microphone produced no audio.\n", 1)
	}
	return d.printer.Writef(1, "✅ %d frames, %s of audio.\n", frames, time.Duration(w.media.Load()).Round(time.Millisecond))
}

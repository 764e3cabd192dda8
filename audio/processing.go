package audio

import (
	"math"
	"strings"
	"sync/atomic"
)

type Level int32

const (
	LevelLow Level = iota
	LevelModerate
	LevelHigh
	LevelVeryHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelVeryHigh:
		return "very-high"
	}
	return "unknown"
}

// Processing is the acoustic processing configuration of a capture pipeline.
// Echo suppression accepts low to high, noise suppression low to very-high.
type Processing struct {
	EchoCancel            bool
	EchoSuppressionLevel  Level
	NoiseSuppression      bool
	NoiseSuppressionLevel Level
	GainControl           bool
}

func DefaultProcessing() Processing {
	return Processing{
		EchoCancel:            true,
		EchoSuppressionLevel:  LevelModerate,
		NoiseSuppression:      true,
		NoiseSuppressionLevel: LevelModerate,
		GainControl:           true,
	}
}

// Normalized replaces out-of-range levels with LevelModerate.
func (p Processing) Normalized() Processing {
	if p.EchoSuppressionLevel < LevelLow || p.EchoSuppressionLevel > LevelHigh {
		p.EchoSuppressionLevel = LevelModerate
	}
	if p.NoiseSuppressionLevel < LevelLow || p.NoiseSuppressionLevel > LevelVeryHigh {
		p.NoiseSuppressionLevel = LevelModerate
	}
	return p
}

// Variant is the set of stages a chain is built with.
type Variant uint8

const (
	StageEcho Variant = 1 << iota
	StageNoise
	StageGain
)

func (p Processing) Variant() Variant {
	var v Variant
	if p.EchoCancel {
		v |= StageEcho
	}
	if p.NoiseSuppression {
		v |= StageNoise
	}
	if p.GainControl {
		v |= StageGain
	}
	return v
}

func (v Variant) Has(s Variant) bool { return v&s != 0 }

func (v Variant) String() string {
	if v == 0 {
		return "plain"
	}
	var parts []string
	if v.Has(StageEcho) {
		parts = append(parts, "echo")
	}
	if v.Has(StageNoise) {
		parts = append(parts, "noise")
	}
	if v.Has(StageGain) {
		parts = append(parts, "gain")
	}
	return strings.Join(parts, "+")
}

// Stage processes one frame of normalized samples in place.
type Stage interface {
	Process(frame []float32)
}

// Chain runs the processing stages followed by the mute gate. It is not safe
// for concurrent use; the capture path drives it from a single goroutine.
type Chain struct {
	variant Variant
	stages  []Stage
	gate    *MuteGate
	scratch []float32
}

// BuildChain assembles the chain for p. The shape is fixed once built.
func BuildChain(p Processing, echo *EchoReference, gate *MuteGate) *Chain {
	p = p.Normalized()
	if gate == nil {
		gate = NewMuteGate(false)
	}
	c := &Chain{variant: p.Variant(), gate: gate}
	if c.variant.Has(StageEcho) {
		c.stages = append(c.stages, newEchoSuppressor(echo, p.EchoSuppressionLevel))
	}
	if c.variant.Has(StageNoise) {
		c.stages = append(c.stages, newNoiseGate(p.NoiseSuppressionLevel))
	}
	if c.variant.Has(StageGain) {
		c.stages = append(c.stages, newGainControl())
	}
	return c
}

func (c *Chain) Variant() Variant { return c.variant }

func (c *Chain) Gate() *MuteGate { return c.gate }

func (c *Chain) Process(frame []float32) {
	for _, s := range c.stages {
		s.Process(frame)
	}
	c.gate.Process(frame)
}

func (c *Chain) ProcessInt16(samples []int16) {
	if cap(c.scratch) < len(samples) {
		c.scratch = make([]float32, len(samples))
	}
	frame := c.scratch[:len(samples)]
	for i, s := range samples {
		frame[i] = float32(s) / 32768
	}
	c.Process(frame)
	for i, f := range frame {
		samples[i] = toInt16(f)
	}
}

// MuteGate zeroes frames while muted.
type MuteGate struct {
	muted atomic.Bool
}

func NewMuteGate(muted bool) *MuteGate {
	g := new(MuteGate)
	g.muted.Store(muted)
	return g
}

func (g *MuteGate) Set(muted bool) { g.muted.Store(muted) }

func (g *MuteGate) Muted() bool { return g.muted.Load() }

func (g *MuteGate) Process(frame []float32) {
	if !g.muted.Load() {
		return
	}
	clear(frame)
}

const (
	farEndThreshold = 0.01
	doubleTalkRatio = 2
)

type echoSuppressor struct {
	ref         *EchoReference
	attenuation float32
}

func newEchoSuppressor(ref *EchoReference, level Level) *echoSuppressor {
	att := map[Level]float32{LevelLow: 0.5, LevelModerate: 0.25, LevelHigh: 0.1}[level]
	return &echoSuppressor{ref: ref, attenuation: att}
}

func (e *echoSuppressor) Process(frame []float32) {
	far := e.ref.Level()
	if far < farEndThreshold {
		return
	}
	// Near-end speech well above the far end passes untouched.
	if rms(frame) > far*doubleTalkRatio {
		return
	}
	scale(frame, e.attenuation)
}

const noiseFloorRise = 0.0005

type noiseGate struct {
	floor  float32
	margin float32
	gain   float32
}

func newNoiseGate(level Level) *noiseGate {
	margins := [...]float32{1.5, 2, 3, 4}
	gains := [...]float32{0.5, 0.3, 0.15, 0.05}
	return &noiseGate{margin: margins[level], gain: gains[level]}
}

func (n *noiseGate) Process(frame []float32) {
	level := rms(frame)
	if n.floor == 0 || level < n.floor {
		n.floor = level
	} else {
		n.floor += (level - n.floor) * noiseFloorRise
	}
	if level <= n.floor*n.margin {
		scale(frame, n.gain)
	}
}

const (
	agcTarget    = 0.1
	agcMinGain   = 0.5
	agcMaxGain   = 8
	agcSmoothing = 0.1
	agcSilence   = 0.001
)

type gainControl struct {
	gain float32
}

func newGainControl() *gainControl {
	return &gainControl{gain: 1}
}

func (g *gainControl) Gain() float32 { return g.gain }

func (g *gainControl) Process(frame []float32) {
	if level := rms(frame); level > agcSilence {
		want := min(max(agcTarget/level, agcMinGain), agcMaxGain)
		g.gain += (want - g.gain) * agcSmoothing
	}
	for i, s := range frame {
		frame[i] = min(max(s*g.gain, -1), 1)
	}
}

func rms(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

func scale(frame []float32, k float32) {
	for i := range frame {
		frame[i] *= k
	}
}

func toInt16(f float32) int16 {
	v := math.Round(float64(f) * 32768)
	return int16(min(max(v, math.MinInt16), math.MaxInt16))
}

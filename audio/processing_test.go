package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return out
}

func TestProcessingVariant(t *testing.T) {
	tests := []struct {
		name string
		cfg  Processing
		want string
	}{
		{name: "all off", cfg: Processing{}, want: "plain"},
		{name: "defaults", cfg: DefaultProcessing(), want: "echo+noise+gain"},
		{name: "echo only", cfg: Processing{EchoCancel: true}, want: "echo"},
		{name: "noise and gain", cfg: Processing{NoiseSuppression: true, GainControl: true}, want: "noise+gain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Variant().String())
			assert.Equal(t, tt.want, BuildChain(tt.cfg, nil, nil).Variant().String())
		})
	}
}

func TestProcessingNormalizedLevels(t *testing.T) {
	p := Processing{EchoSuppressionLevel: 7, NoiseSuppressionLevel: -1}.Normalized()
	assert.Equal(t, LevelModerate, p.EchoSuppressionLevel)
	assert.Equal(t, LevelModerate, p.NoiseSuppressionLevel)

	p = Processing{EchoSuppressionLevel: LevelHigh, NoiseSuppressionLevel: LevelVeryHigh}.Normalized()
	assert.Equal(t, LevelHigh, p.EchoSuppressionLevel)
	assert.Equal(t, LevelVeryHigh, p.NoiseSuppressionLevel)
	assert.Equal(t, "very-high", p.NoiseSuppressionLevel.String())
}

func TestMuteGateSilencesAfterProcessing(t *testing.T) {
	gate := NewMuteGate(false)
	chain := BuildChain(Processing{}, nil, gate)

	frame := sine(960, 0.5)
	chain.Process(frame)
	assert.InDelta(t, 0.5/math.Sqrt2, rms(frame), 0.01)

	gate.Set(true)
	frame = sine(960, 0.5)
	chain.Process(frame)
	assert.Zero(t, rms(frame))

	pcm := []int16{1000, -1000, 32767}
	chain.ProcessInt16(pcm)
	assert.Equal(t, []int16{0, 0, 0}, pcm)
}

func TestGainControlConvergesToTarget(t *testing.T) {
	g := newGainControl()
	var out float32
	for range 200 {
		frame := sine(960, 0.02)
		g.Process(frame)
		out = rms(frame)
	}
	assert.InDelta(t, agcTarget, out, 0.01)
	assert.LessOrEqual(t, g.Gain(), float32(agcMaxGain))

	silence := make([]float32, 960)
	before := g.Gain()
	g.Process(silence)
	assert.Equal(t, before, g.Gain())
}

func TestNoiseGateAttenuatesFloorAndPassesSpeech(t *testing.T) {
	n := newNoiseGate(LevelHigh)
	for range 50 {
		n.Process(sine(960, 0.01))
	}
	noise := sine(960, 0.01)
	n.Process(noise)
	assert.Less(t, rms(noise), float32(0.01/math.Sqrt2))

	speech := sine(960, 0.3)
	n.Process(speech)
	assert.InDelta(t, 0.3/math.Sqrt2, rms(speech), 0.01)
}

func TestEchoSuppressorFollowsRenderLevel(t *testing.T) {
	now := time.Unix(1000, 0)
	ref := NewEchoReference()
	ref.now = func() time.Time { return now }
	e := newEchoSuppressor(ref, LevelHigh)

	frame := sine(960, 0.1)
	e.Process(frame)
	assert.InDelta(t, 0.1/math.Sqrt2, rms(frame), 0.005, "no far end, nothing to suppress")

	far := make([]int16, 960)
	for i, s := range sine(960, 0.2) {
		far[i] = toInt16(s)
	}
	ref.ObserveInt16(far)
	require.Greater(t, ref.Level(), float32(farEndThreshold))

	frame = sine(960, 0.1)
	e.Process(frame)
	assert.InDelta(t, 0.1*0.1/math.Sqrt2, rms(frame), 0.002)

	loud := sine(960, 0.9)
	e.Process(loud)
	assert.InDelta(t, 0.9/math.Sqrt2, rms(loud), 0.01, "double talk passes")

	now = now.Add(time.Second)
	assert.Zero(t, ref.Level())
}

func TestNilEchoReferenceIsSilent(t *testing.T) {
	var ref *EchoReference
	ref.ObserveInt16([]int16{1, 2, 3})
	assert.Zero(t, ref.Level())
}

func TestToInt16Clamps(t *testing.T) {
	assert.Equal(t, int16(32767), toInt16(2))
	assert.Equal(t, int16(-32768), toInt16(-2))
	assert.Equal(t, int16(0), toInt16(0))
}

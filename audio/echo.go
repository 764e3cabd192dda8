package audio

import (
	"math"
	"sync"
	"time"
)

const echoHold = 200 * time.Millisecond

// EchoReference carries the recent playback level from the render path to
// the capture path of the same session. A nil reference reports silence.
type EchoReference struct {
	mu    sync.Mutex
	level float32
	at    time.Time
	now   func() time.Time
}

func NewEchoReference() *EchoReference {
	return &EchoReference{now: time.Now}
}

func (r *EchoReference) ObserveInt16(pcm []int16) {
	if r == nil || len(pcm) == 0 {
		return
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768
		sum += f * f
	}
	level := float32(math.Sqrt(sum / float64(len(pcm))))
	r.mu.Lock()
	r.level = level
	r.at = r.now()
	r.mu.Unlock()
}

// Level is the last observed playback RMS, or zero once it is older than the hold time.
func (r *EchoReference) Level() float32 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.at.IsZero() || r.now().Sub(r.at) > echoHold {
		return 0
	}
	return r.level
}

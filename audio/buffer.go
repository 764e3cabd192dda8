package audio

import "sync"

// PCMBuffer is a bounded byte queue between the decoder and the playback
// device callback. Writes never block and drop the oldest bytes on overflow.
type PCMBuffer struct {
	mu     sync.Mutex
	buffer []byte
	cap    int
}

func NewPCMBuffer(fixedCap int) *PCMBuffer {
	return &PCMBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
}

func (b *PCMBuffer) Write(data []byte) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) > b.cap {
		dropped = len(data) - b.cap
		data = data[dropped:]
	}
	if over := len(b.buffer) + len(data) - b.cap; over > 0 {
		b.buffer = b.buffer[over:]
		dropped += over
	}
	// Compact so append reuses the backing array.
	if cap(b.buffer)-len(b.buffer) < len(data) {
		b.buffer = append(make([]byte, 0, b.cap), b.buffer...)
	}
	b.buffer = append(b.buffer, data...)
	return dropped
}

// Fill copies buffered bytes into p and zero-fills the remainder. It returns
// the number of real bytes copied.
func (b *PCMBuffer) Fill(p []byte) int {
	b.mu.Lock()
	n := copy(p, b.buffer)
	b.buffer = b.buffer[n:]
	b.mu.Unlock()
	clear(p[n:])
	return n
}

func (b *PCMBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// endedRetention is how long candidates for an ended session are refused.
// Trickled candidates still in flight when a call ends arrive within it.
const endedRetention = 30 * time.Second

// pendingCandidates holds remote candidates that arrived before their
// session could take them. Its lock is never held together with the
// registry's.
type pendingCandidates struct {
	mu    sync.Mutex
	queue map[string][]webrtc.ICECandidateInit
	ended map[string]time.Time
}

func newPendingCandidates() *pendingCandidates {
	return &pendingCandidates{
		queue: make(map[string][]webrtc.ICECandidateInit),
		ended: make(map[string]time.Time),
	}
}

// add queues c and returns the queue length. It refuses candidates for an
// ID that ended less than endedRetention before now.
func (p *pendingCandidates) add(id string, c webrtc.ICECandidateInit, now time.Time) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at, ok := p.ended[id]; ok {
		if now.Sub(at) < endedRetention {
			return 0, false
		}
		delete(p.ended, id)
	}
	p.queue[id] = append(p.queue[id], c)
	return len(p.queue[id]), true
}

// take removes and returns the queue for id, in arrival order.
func (p *pendingCandidates) take(id string) []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[id]
	delete(p.queue, id)
	return q
}

// end drops the queue for each id and remembers that it ended at now.
func (p *pendingCandidates) end(now time.Time, ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, at := range p.ended {
		if now.Sub(at) >= endedRetention {
			delete(p.ended, id)
		}
	}
	for _, id := range ids {
		delete(p.queue, id)
		p.ended[id] = now
	}
}

// revive forgets that id ended, for a session created again under it.
func (p *pendingCandidates) revive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ended, id)
}

func (p *pendingCandidates) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.queue)
}

func (p *pendingCandidates) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue[id])
}

func (p *pendingCandidates) endedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ended)
}

package realtime

import "sync"

// probes maps outstanding liveness probe request ids to their waiters.
type probes struct {
	mu      sync.Mutex
	pending map[string]chan Pong
}

func newProbes() *probes {
	return &probes{pending: make(map[string]chan Pong)}
}

func (p *probes) add(id string) <-chan Pong {
	ch := make(chan Pong, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a pong to its waiter and forgets it.
func (p *probes) resolve(pong Pong) bool {
	p.mu.Lock()
	ch, ok := p.pending[pong.RequestID]
	delete(p.pending, pong.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- pong
	}
	return ok
}

func (p *probes) remove(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// rejectAll closes every waiter's channel.
func (p *probes) rejectAll() {
	p.mu.Lock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

func (p *probes) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

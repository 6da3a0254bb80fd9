package rpcclient

import (
	"context"
	"sync"
	"time"
)

// Endpoint is a uvm node with health tracking.
type Endpoint struct {
	URL         string
	Healthy     bool
	Height      uint64
	LastError   error
	LastSuccess time.Time
	Latency     time.Duration
}

// Pool hands out node endpoints round-robin, skipping the unhealthy ones.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	idx       int

	// MaxLag is how far behind the highest known node an endpoint may fall
	// before Refresh marks it unhealthy. Zero disables the check.
	MaxLag uint64
}

// NewPool creates a pool over urls, all initially healthy.
func NewPool(urls []string) *Pool {
	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{URL: url, Healthy: true}
	}
	return &Pool{endpoints: endpoints}
}

// Get returns the next healthy endpoint. With none healthy it returns the
// first endpoint, which may have recovered.
func (p *Pool) Get(ctx context.Context) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.idx + i) % len(p.endpoints)
		if ep := p.endpoints[idx]; ep.Healthy {
			p.idx = (idx + 1) % len(p.endpoints)
			return ep, nil
		}
	}
	if len(p.endpoints) > 0 {
		return p.endpoints[0], nil
	}
	return nil, ErrNoEndpoints
}

// MarkUnhealthy records a failed request.
func (p *Pool) MarkUnhealthy(url string, err error) {
	p.update(url, func(ep *Endpoint) {
		ep.Healthy = false
		ep.LastError = err
	})
}

// MarkHealthy records a successful request.
func (p *Pool) MarkHealthy(url string, latency time.Duration) {
	p.update(url, func(ep *Endpoint) {
		ep.Healthy = true
		ep.LastSuccess = time.Now()
		ep.Latency = latency
		ep.LastError = nil
	})
}

func (p *Pool) update(url string, fn func(*Endpoint)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			fn(ep)
			return
		}
	}
}

// HealthyCount returns the number of healthy endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}

// Endpoints returns a snapshot of the endpoint states.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

// Refresh queries the height of every endpoint with height and marks
// unreachable nodes, and nodes lagging the highest one by more than MaxLag,
// unhealthy.
func (p *Pool) Refresh(ctx context.Context, height func(ctx context.Context, url string) (uint64, error)) {
	p.mu.RLock()
	urls := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		urls[i] = ep.URL
	}
	p.mu.RUnlock()

	heights := make([]uint64, len(urls))
	errs := make([]error, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			heights[i], errs[i] = height(ctx, url)
		}(i, url)
	}
	wg.Wait()

	var best uint64
	for i := range urls {
		if errs[i] == nil && heights[i] > best {
			best = heights[i]
		}
	}
	for i, url := range urls {
		h, err := heights[i], errs[i]
		if err == nil && p.MaxLag > 0 && best-h > p.MaxLag {
			err = ErrLagging
		}
		p.update(url, func(ep *Endpoint) {
			ep.Height = h
			ep.Healthy = err == nil
			ep.LastError = err
		})
	}
}

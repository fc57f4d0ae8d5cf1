package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrHostBudget is returned when a host has used its per-run fetch
// budget. Not retryable within the run.
var ErrHostBudget = eris.New("fetch: host budget exhausted")

// HostPacer holds one in-flight slot, a minimum inter-request delay and
// a fetch budget per host. Acquire takes the host's slot for the whole
// request; Release returns it. Waiters on the same host are served in
// arrival order; hosts never block each other.
type HostPacer struct {
	minDelay time.Duration
	budget   int // 0 means unlimited

	mu    sync.Mutex
	hosts map[string]*hostClock
}

type hostClock struct {
	// slot carries the host's single in-flight token. Blocked senders
	// queue in arrival order.
	slot    chan struct{}
	limiter *rate.Limiter

	mu   sync.Mutex
	used int
}

// NewHostPacer creates a pacer. minDelay is the gap between requests to
// one host; budget caps requests per host for the pacer's lifetime.
func NewHostPacer(minDelay time.Duration, budget int) *HostPacer {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	return &HostPacer{
		minDelay: minDelay,
		budget:   budget,
		hosts:    make(map[string]*hostClock),
	}
}

// Acquire blocks until the host's slot is free and its clock admits
// another request, then charges the budget. The slot stays held until
// Release, so a host never has two requests in flight. Returns
// ErrHostBudget when the host is spent and the context error when
// cancelled while waiting.
func (p *HostPacer) Acquire(ctx context.Context, host string) error {
	c := p.clock(host)

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "fetch: pacer wait")
	}

	c.mu.Lock()
	spent := p.budget > 0 && c.used >= p.budget
	if !spent {
		c.used++
	}
	c.mu.Unlock()
	if spent {
		<-c.slot
		return ErrHostBudget
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.mu.Lock()
		c.used--
		c.mu.Unlock()
		<-c.slot
		return eris.Wrap(err, "fetch: pacer wait")
	}
	return nil
}

// Release frees the host's in-flight slot. Every successful Acquire
// must be paired with exactly one Release once the request finishes.
func (p *HostPacer) Release(host string) {
	c := p.clock(host)
	select {
	case <-c.slot:
	default:
	}
}

// Used reports how many requests a host has been charged.
func (p *HostPacer) Used(host string) int {
	c := p.clock(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (p *HostPacer) clock(host string) *hostClock {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.hosts[host]
	if !ok {
		c = &hostClock{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Every(p.minDelay), 1),
		}
		p.hosts[host] = c
	}
	return c
}

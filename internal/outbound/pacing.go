package outbound

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ihiteshgupta/channel-bridge/internal/config"
)

// Pacer draws human-pacing delays and enforces a per-instance send rate.
type Pacer struct {
	profiles map[string]config.Range
	limit    rate.Limit
	burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer creates a Pacer. Unknown profile names fall back to manual.
func NewPacer(profiles map[string]config.Range, sendRate config.SendRateConfig) *Pacer {
	if profiles == nil {
		profiles = config.DefaultPacing()
	}
	limit := rate.Inf
	if sendRate.Interval > 0 {
		limit = rate.Every(sendRate.Interval)
	}
	burst := sendRate.Burst
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		profiles: profiles,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Delay returns a delay drawn uniformly from the profile's range.
func (p *Pacer) Delay(profile string) time.Duration {
	r, ok := p.profiles[profile]
	if !ok {
		r = p.profiles[string(config.PacingManual)]
	}
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min+1)
}

// Wait blocks until instanceID may send again.
func (p *Pacer) Wait(ctx context.Context, instanceID string) error {
	return p.limiter(instanceID).Wait(ctx)
}

func (p *Pacer) limiter(instanceID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[instanceID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[instanceID] = l
	}
	return l
}

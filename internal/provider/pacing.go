package provider

import (
	"context"
	"sync"
	"time"
)

// paced spaces out the start of upstream completions for one routing key.
// Free upstream tiers reject bursts with 429s.
type paced struct {
	inner       Provider
	minInterval time.Duration

	mu            sync.Mutex
	nextAllowedAt time.Time
}

func Paced(inner Provider, minInterval time.Duration) Provider {
	if inner == nil || minInterval <= 0 {
		return inner
	}
	return &paced{inner: inner, minInterval: minInterval}
}

func (p *paced) Stream(ctx context.Context, req Request, emit func(string) error) error {
	if err := p.waitTurn(ctx); err != nil {
		return err
	}
	return p.inner.Stream(ctx, req, emit)
}

func (p *paced) waitTurn(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := time.Now()
		if p.nextAllowedAt.IsZero() || !p.nextAllowedAt.After(now) {
			p.nextAllowedAt = now.Add(p.minInterval)
			p.mu.Unlock()
			return nil
		}
		wait := time.Until(p.nextAllowedAt)
		p.mu.Unlock()

		if err := waitWithContext(ctx, wait); err != nil {
			return err
		}
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

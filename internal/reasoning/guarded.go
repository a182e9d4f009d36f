package reasoning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/time/rate"

	"github.com/ArnBdev/oneagent-delegation/internal/resilience"
)

// GuardOptions configures Guarded.
type GuardOptions struct {
	Timeout       time.Duration // per call, 0 disables
	RatePerSecond float64       // 0 disables rate limiting
	Burst         int
	MaxFailures   int
	BreakerReset  time.Duration
	CacheMaxCost  int64 // bytes; 0 disables caching
	CacheTTL      time.Duration
}

// Guarded wraps a Capability with a rate limiter, a circuit breaker, a per-call
// timeout and a response cache keyed by prompt.
type Guarded struct {
	inner   Capability
	limiter *rate.Limiter
	breaker *resilience.Breaker
	cache   *ristretto.Cache[string, string]
	opts    GuardOptions
}

// NewGuarded builds the wrapper.
func NewGuarded(inner Capability, opts GuardOptions) (*Guarded, error) {
	g := &Guarded{
		inner:   inner,
		breaker: resilience.NewBreaker(opts.MaxFailures, opts.BreakerReset),
		opts:    opts,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	if opts.CacheMaxCost > 0 {
		counters := opts.CacheMaxCost / 100 * 10
		if counters < 1000 {
			counters = 1000
		}
		c, err := ristretto.NewCache(&ristretto.Config[string, string]{
			NumCounters: counters,
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("reasoning cache: %w", err)
		}
		g.cache = c
	}
	return g, nil
}

// GenerateText implements Capability.
func (g *Guarded) GenerateText(ctx context.Context, prompt string) (string, error) {
	key := promptKey(prompt)
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			return v, nil
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("reasoning rate limit: %w", err)
		}
	}

	var out string
	err := g.breaker.Execute(func() error {
		callCtx := ctx
		if g.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
		}
		text, err := g.inner.GenerateText(callCtx, prompt)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", err
	}

	if g.cache != nil {
		g.cache.SetWithTTL(key, out, int64(len(out)), g.opts.CacheTTL)
		g.cache.Wait()
	}
	return out, nil
}

// BreakerState reports the wrapped breaker state.
func (g *Guarded) BreakerState() string {
	return g.breaker.State()
}

// Close releases the cache.
func (g *Guarded) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

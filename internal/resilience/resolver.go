package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/tonearm/internal/observe"
	"github.com/MrWong99/tonearm/pkg/voice/source"
)

// guardedResolver runs a [source.Resolver] behind a [Breaker].
type guardedResolver struct {
	next    source.Resolver
	breaker *Breaker
	metrics *observe.Metrics
}

// GuardResolver wraps next so resolutions go through a breaker built from
// cfg. Outcomes are recorded in m, including the breaker gauge. A nil m
// uses [observe.DefaultMetrics].
func GuardResolver(next source.Resolver, cfg BreakerConfig, m *observe.Metrics) source.Resolver {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if cfg.Name == "" {
		cfg.Name = "resolver"
	}
	user := cfg.OnStateChange
	name := cfg.Name
	cfg.OnStateChange = func(from, to State) {
		m.RecordBreakerOpen(context.Background(), name, to == StateOpen)
		if user != nil {
			user(from, to)
		}
	}
	return &guardedResolver{next: next, breaker: NewBreaker(cfg), metrics: m}
}

func (g *guardedResolver) Resolve(ctx context.Context, query string) (source.Resolved, error) {
	var res source.Resolved
	start := time.Now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.next.Resolve(ctx, query)
		return err
	})

	switch {
	case errors.Is(err, ErrCircuitOpen):
		g.metrics.RecordResolve(ctx, "rejected", 0)
	case err != nil:
		g.metrics.RecordResolve(ctx, "error", time.Since(start).Seconds())
	default:
		g.metrics.RecordResolve(ctx, "ok", time.Since(start).Seconds())
	}
	return res, err
}

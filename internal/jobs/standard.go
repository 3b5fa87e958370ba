package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/broskis-kitchen/broskis/pkg/ratelimit"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
	"github.com/broskis-kitchen/broskis/pkg/webhook"
)

// Expirer cancels orders that were never paid.
type Expirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

// Deps are the components the standard jobs maintain. Nil fields skip
// their job.
type Deps struct {
	Orders      Expirer
	Limiter     *ratelimit.MemoryLimiter
	Idempotency *webcore.IdempotencyTracker
	Notifier    *webhook.Dispatcher
	Now         func() time.Time
	Logger      *slog.Logger
}

// Standard returns the service's maintenance jobs.
func Standard(d Deps) []Job {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	var out []Job
	if d.Orders != nil {
		out = append(out, Job{
			Name: "expire_pending", Spec: "@every 1m", Timeout: 30 * time.Second,
			Run: func(ctx context.Context) error {
				n, err := d.Orders.ExpirePending(ctx, d.Now())
				if n > 0 {
					d.Logger.Info("expired pending orders", "count", n)
				}
				return err
			},
		})
	}
	if d.Limiter != nil {
		out = append(out, Job{
			Name: "sweep_rate_limits", Spec: "@every 5m",
			Run: func(context.Context) error {
				if n := d.Limiter.Sweep(10 * time.Minute); n > 0 {
					d.Logger.Debug("swept idle rate limiters", "count", n)
				}
				return nil
			},
		})
	}
	if d.Idempotency != nil {
		out = append(out, Job{
			Name: "sweep_idempotency", Spec: "@every 5m",
			Run: func(context.Context) error {
				d.Idempotency.Sweep()
				return nil
			},
		})
	}
	if d.Notifier != nil && !d.Notifier.AutoDeliver() {
		out = append(out, Job{
			Name: "flush_notifications", Spec: "@every 30s", Timeout: 25 * time.Second,
			Run: func(ctx context.Context) error {
				return d.Notifier.Flush(ctx)
			},
		})
	}
	return out
}

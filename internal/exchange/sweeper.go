package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// DefaultSweepInterval is the fallback scan period when no task
// deadline is closer.
const DefaultSweepInterval = 60 * time.Second

// Sweeper removes tasks whose TTL has passed. It scans on a fixed
// interval and additionally wakes on every new-task broadcast, so a
// very short TTL is honored at roughly its deadline rather than at the
// next scan. Removal goes through Registry.Remove, which emits the
// deletion broadcast all waiters key off.
type Sweeper[P Payload] struct {
	registry *Registry[P]
	interval time.Duration
	logger   *slog.Logger

	// OnExpired, when set, is called with the ids removed by one
	// sweep. Used to feed the expiry metric.
	OnExpired func(ctx context.Context, removed []envelope.MsgID)
}

// NewSweeper builds a sweeper for the registry. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper[P Payload](registry *Registry[P], interval time.Duration, logger *slog.Logger) *Sweeper[P] {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper[P]{registry: registry, interval: interval, logger: logger}
}

// Run blocks until ctx is canceled or the registry closes, sweeping
// expired tasks as their deadlines come due.
func (s *Sweeper[P]) Run(ctx context.Context) {
	sub := s.registry.SubscribeNew()
	defer sub.Cancel()

	timer := time.NewTimer(s.nextWake())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				if sub.Lagged() {
					// Missing a wake-up only delays a sweep to the
					// next timer tick; resubscribe and keep going.
					sub.Cancel()
					sub = s.registry.SubscribeNew()
					break
				}
				return
			}
		case <-timer.C:
			s.sweep(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake())
	}
}

func (s *Sweeper[P]) sweep(ctx context.Context) {
	removed := s.registry.ExpireBefore(ctx, time.Now())
	if len(removed) == 0 {
		return
	}
	s.logger.InfoContext(ctx, "Expired tasks removed", "count", len(removed))
	if s.OnExpired != nil {
		s.OnExpired(ctx, removed)
	}
}

// nextWake returns how long to sleep: until the earliest task
// deadline, capped by the scan interval.
func (s *Sweeper[P]) nextWake() time.Duration {
	next, ok := s.registry.NextExpiry()
	if !ok {
		return s.interval
	}
	d := time.Until(next)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if d > s.interval {
		d = s.interval
	}
	return d
}

package retention

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lunarch/savepoint/pkg/store"
)

// Sweeper periodically purges snapshots older than the retention
// window. It complements the sweep piggybacked on CleanSaves: that one
// only fires when games finish, this one also catches deployments
// where every game is simply abandoned.
type Sweeper struct {
	st       store.Retention
	days     int
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper builds a sweeper over the given retention capability.
func NewSweeper(st store.Retention, days int, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{st: st, days: days, interval: interval, log: log}
}

// Run blocks until ctx is canceled, sweeping once per interval. An
// interval of zero or less disables the sweeper entirely; Run returns
// immediately so callers can start it unconditionally.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("retention sweeper disabled")
		return
	}
	s.log.Info("retention sweeper started", "interval", s.interval.String(), "days", s.days)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one purge pass. Failures are logged and recorded on the
// span; the next tick retries, so an unreachable backend never kills
// the loop.
func (s *Sweeper) sweep(ctx context.Context) {
	tr := otel.Tracer("retention/sweeper")
	ctx, span := tr.Start(ctx, "Sweeper.sweep", trace.WithAttributes(
		attribute.Int("retention.days", s.days),
	))
	defer span.End()

	purged, err := s.st.PurgeOlderThan(ctx, s.days)
	if err != nil {
		span.RecordError(err)
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int64("retention.purged", purged))
	if purged > 0 {
		s.log.Info("retention sweep purged snapshots", "purged", purged, "days", s.days)
	}
}

package sweep

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/store"
)

// Janitor enforces time-based retention: metric samples expire after
// MetricTTL, resolved alerts after AlertTTL. Open alerts never expire.
type Janitor struct {
	store     *store.Store
	log       *zap.Logger
	metricTTL time.Duration
	alertTTL  time.Duration
	now       func() time.Time
}

func NewJanitor(st *store.Store, metricTTL, alertTTL time.Duration, log *zap.Logger, now func() time.Time) *Janitor {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Janitor{store: st, log: log.Named("retention"), metricTTL: metricTTL, alertTTL: alertTTL, now: now}
}

// Run deletes everything past retention and reports how much went.
func (j *Janitor) Run(ctx context.Context) (samples, alerts int64, err error) {
	now := j.now()
	samples, serr := j.store.PurgeSamples(ctx, now.Add(-j.metricTTL))
	alerts, aerr := j.store.PurgeResolvedAlerts(ctx, now.Add(-j.alertTTL))
	if samples > 0 || alerts > 0 {
		j.log.Info("retention purge", zap.Int64("samples", samples), zap.Int64("alerts", alerts))
	}
	return samples, alerts, errors.Join(serr, aerr)
}

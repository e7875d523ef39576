// Package slo derives fleet uptime from stored metric samples.
package slo

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
)

// Window is a lookback span cut into equal buckets.
type Window struct {
	Span   time.Duration
	Bucket time.Duration
}

var (
	Window24h = Window{Span: 24 * time.Hour, Bucket: 5 * time.Minute}
	Window7d  = Window{Span: 7 * 24 * time.Hour, Bucket: time.Hour}
)

// Bucket is the share of agents, in whole percent, that reported at least
// once in [Timestamp, Timestamp+bucket).
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
}

// Buckets groups samples into w's buckets ending at now. totalAgents below
// one is treated as one so an empty fleet reads 0%, not NaN.
func Buckets(samples []models.MetricSample, totalAgents int, w Window, now time.Time) []Bucket {
	n := int(w.Span / w.Bucket)
	if n <= 0 {
		return nil
	}
	if totalAgents < 1 {
		totalAgents = 1
	}
	start := now.Add(-time.Duration(n) * w.Bucket)

	seen := make([]map[uint]struct{}, n)
	for _, s := range samples {
		if s.CreatedAt.Before(start) || !s.CreatedAt.Before(now) {
			continue
		}
		i := int(s.CreatedAt.Sub(start) / w.Bucket)
		if seen[i] == nil {
			seen[i] = make(map[uint]struct{})
		}
		seen[i][s.AgentID] = struct{}{}
	}

	out := make([]Bucket, n)
	for i := range out {
		up := len(seen[i])
		if up > totalAgents {
			up = totalAgents
		}
		out[i] = Bucket{
			Timestamp: start.Add(time.Duration(i) * w.Bucket),
			Uptime:    int(math.Round(float64(up) / float64(totalAgents) * 100)),
		}
	}
	return out
}

// Summary is an availability figure over a period.
type Summary struct {
	UptimePct float64 `json:"uptime_pct"`
	// ErrorBudgetRemaining is 100 minus UptimePct, floored at zero.
	ErrorBudgetRemaining float64 `json:"error_budget_remaining"`
}

// CalculateSLO turns total and down minutes into an uptime percentage
// rounded to two decimals.
func CalculateSLO(totalMinutes, downtimeMinutes float64) (Summary, error) {
	if totalMinutes <= 0 {
		return Summary{}, errors.New("totalMinutes must be positive")
	}
	downtimeMinutes = math.Min(math.Max(downtimeMinutes, 0), totalMinutes)
	uptime := math.Round((totalMinutes-downtimeMinutes)/totalMinutes*100*100) / 100
	return Summary{
		UptimePct:            uptime,
		ErrorBudgetRemaining: math.Max(0, math.Round((100-uptime)*100)/100),
	}, nil
}

// Report is the uptime series plus its summary.
type Report struct {
	Buckets []Bucket `json:"buckets"`
	SLO     Summary  `json:"slo"`
}

// Service reads samples from the store.
type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(st *store.Store, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: st, now: now}
}

// Uptime computes w's buckets and the matching SLO summary, counting each
// bucket's missing share of agents as downtime.
func (s *Service) Uptime(ctx context.Context, w Window) (*Report, error) {
	now := s.now()
	ids, err := s.store.ListAgentIDs(ctx)
	if err != nil {
		return nil, err
	}
	samples, err := s.store.SampleStamps(ctx, now.Add(-w.Span))
	if err != nil {
		return nil, err
	}
	buckets := Buckets(samples, len(ids), w, now)

	bucketMin := w.Bucket.Minutes()
	var down float64
	for _, b := range buckets {
		down += float64(100-b.Uptime) / 100 * bucketMin
	}
	summary, err := CalculateSLO(float64(len(buckets))*bucketMin, down)
	if err != nil {
		return nil, err
	}
	return &Report{Buckets: buckets, SLO: summary}, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/fleetpulse/internal/models"
)

// CreateSample appends one metric sample.
func (s *Store) CreateSample(ctx context.Context, m *models.MetricSample) error {
	if err := s.with(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("save metric sample for agent %d: %w", m.AgentID, err)
	}
	return nil
}

// ListSamples returns an agent's samples at or after since, oldest first,
// capped at limit (0 means no cap).
func (s *Store) ListSamples(ctx context.Context, agentID uint, since time.Time, limit int) ([]models.MetricSample, error) {
	q := s.with(ctx).Where("agent_id = ? AND created_at >= ?", agentID, since)
	if limit > 0 {
		// newest N, flipped back to ascending below
		q = q.Order("created_at desc, id desc").Limit(limit)
	} else {
		q = q.Order("created_at asc, id asc")
	}
	var out []models.MetricSample
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list samples for agent %d: %w", agentID, err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// SampleStamps returns agent id and timestamp of every sample at or after
// since, oldest first. Only those two columns are loaded.
func (s *Store) SampleStamps(ctx context.Context, since time.Time) ([]models.MetricSample, error) {
	var out []models.MetricSample
	err := s.with(ctx).
		Select("agent_id", "created_at").
		Where("created_at >= ?", since).
		Order("created_at asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sample stamps: %w", err)
	}
	return out, nil
}

// PurgeSamples deletes samples older than cutoff.
func (s *Store) PurgeSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.with(ctx).Where("created_at < ?", cutoff).Delete(&models.MetricSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}

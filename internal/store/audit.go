package store

import (
	"context"
	"fmt"

	"github.com/vesaa/fleetpulse/internal/models"
)

// RecordAudit appends an operator action to the audit log.
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditLog) error {
	if err := s.with(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record audit %s: %w", entry.Action, err)
	}
	return nil
}

// ListAudit returns the newest audit entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditLog, error) {
	q := s.with(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.AuditLog
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

// Package audit records operator actions. Recording is best-effort: a
// failed write is logged and never fails the action itself.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
)

// Actions.
const (
	AckAlert        = "ACK_ALERT"
	ResolveAlert    = "RESOLVE_ALERT"
	AckIncident     = "ACK_INCIDENT"
	ResolveIncident = "RESOLVE_INCIDENT"
	CreateIncident  = "CREATE_INCIDENT"
	CommentIncident = "COMMENT_INCIDENT"
	CreateAgent     = "CREATE_AGENT"
)

// Target types.
const (
	TargetAlert    = "alert"
	TargetIncident = "incident"
	TargetAgent    = "agent"
)

type Recorder struct {
	store *store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(st *store.Store, log *zap.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{store: st, log: log.Named("audit"), now: now}
}

// Record writes one audit row.
func (r *Recorder) Record(ctx context.Context, actor, action, targetType string, targetID uint, meta models.Labels) {
	entry := &models.AuditLog{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  r.now(),
	}
	if err := r.store.RecordAudit(ctx, entry); err != nil {
		r.log.Warn("audit write failed",
			zap.String("action", action), zap.String("actor", actor), zap.Uint("target_id", targetID), zap.Error(err))
	}
}

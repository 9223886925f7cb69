// Package audit provides the append-only record of privileged operations.
// Every mutating operation writes exactly one event, on success and on
// failure alike. Events are written in their own atomic append so a
// failure record survives the rollback of the domain unit it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moonbet/market-engine/internal/metrics"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/store"
)

// Recorder writes audit events to the store.
type Recorder struct {
	store store.Store
}

// NewRecorder creates an audit recorder.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Record appends one audit event. A failed append must never fail the
// operation being audited, so errors are logged and counted instead of
// returned.
func (r *Recorder) Record(ctx context.Context, accountID, action, resourceType, resourceID, details string, success bool) {
	event := &model.AuditEvent{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Success:      success,
		CreatedAt:    time.Now().UTC(),
	}

	err := r.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.InsertAuditEvent(ctx, event)
	})
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		slog.Error("audit write failed",
			"action", action,
			"resource", resourceType+"/"+resourceID,
			"err", err,
		)
	}
}

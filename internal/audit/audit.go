package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/store"
)

// Result values for audit records.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultOverride = "override"
)

// Store is the slice of the persistent store the recorder needs.
type Store interface {
	InsertAuditRecord(ctx context.Context, record *store.AuditRecord) error
}

// Recorder appends state-changing actions, including rejections, to the
// audit trail and mirrors them to the structured log.
type Recorder struct {
	db     Store
	logger *logrus.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(db Store, logger *logrus.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// Event describes one auditable action.
type Event struct {
	Actor       string
	Action      string
	SubjectType string
	SubjectID   string
	Result      string
	Detail      map[string]interface{}
}

// Record appends the event. An audit write failure is logged but not
// propagated: the business operation already happened and must not be
// reported as failed because the trail write lost a race with shutdown.
func (r *Recorder) Record(ctx context.Context, event Event) {
	detail := ""
	if event.Detail != nil {
		if data, err := json.Marshal(event.Detail); err == nil {
			detail = string(data)
		}
	}

	record := &store.AuditRecord{
		ID:          uuid.NewString(),
		Actor:       event.Actor,
		Action:      event.Action,
		SubjectType: event.SubjectType,
		SubjectID:   event.SubjectID,
		Result:      event.Result,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}

	entry := r.logger.WithFields(logrus.Fields{
		"audit_id":     record.ID,
		"actor":        event.Actor,
		"action":       event.Action,
		"subject_type": event.SubjectType,
		"subject_id":   event.SubjectID,
		"result":       event.Result,
	})
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}

	if err := r.db.InsertAuditRecord(ctx, record); err != nil {
		entry.WithError(err).Error("Failed to persist audit record")
		return
	}

	switch event.Result {
	case ResultRejected, ResultOverride:
		entry.Warn("Audit event")
	default:
		entry.Info("Audit event")
	}
}

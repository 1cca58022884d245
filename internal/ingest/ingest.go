package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/audit"
	"garage-erm/internal/dedup"
	"garage-erm/internal/lifecycle"
	"garage-erm/internal/plate"
	"garage-erm/internal/store"
)

var (
	// ErrMissingField is returned when a required input field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidPlate is returned when the plate is empty after
	// normalization.
	ErrInvalidPlate = errors.New("invalid plate")
	// ErrDuplicateEntry is returned when an open entry already exists for
	// the plate outside the cooldown window.
	ErrDuplicateEntry = errors.New("vehicle already has an open entry")
	// ErrExitBlocked is returned when an exit needs an operator override:
	// either an approval is still pending or the entry is not in an
	// exitable state.
	ErrExitBlocked = errors.New("exit blocked without operator override")
)

// Store is the slice of the persistent store the ingestion service needs.
type Store interface {
	InsertEntry(ctx context.Context, entry *store.VehicleEntry) error
	GetEntry(ctx context.Context, id string) (*store.VehicleEntry, error)
	FindOpenEntryByPlate(ctx context.Context, plate string) (*store.VehicleEntry, error)
	CountOpenEntries(ctx context.Context) (int, error)
	MarkExited(ctx context.Context, id string, from lifecycle.Status, exitedAt time.Time) error
	UpdateEntryStatus(ctx context.Context, id string, from, to lifecycle.Status) error
	InsertAlert(ctx context.Context, alert *store.Alert) error
	FindPendingApprovalByEntry(ctx context.Context, entryID string) (*store.ApprovalRequest, error)
}

// ApprovalCloser closes any still-open approval for an entry when the
// vehicle exits, through the same idempotent resolution path the provider
// callback uses.
type ApprovalCloser interface {
	ExpireOpenForEntry(ctx context.Context, entryID string) error
}

// Config holds ingestion policy knobs.
type Config struct {
	// ConfidenceThreshold is the minimum detection confidence for an
	// automatic ENTERED; below it the entry is FLAGGED.
	ConfidenceThreshold int
	// Capacity is the number of stalls; 0 disables the capacity warning.
	Capacity int
	// OpenHour/CloseHour bound the business day (local time, 24h). Equal
	// values disable the after-hours alert.
	OpenHour  int
	CloseHour int
}

// Service validates and records detections and manual entries, applies the
// confidence policy and owns exit handling.
type Service struct {
	db        Store
	gate      dedup.Gate
	approvals ApprovalCloser
	recorder  *audit.Recorder
	config    Config
	logger    *logrus.Entry

	// plateLocks serializes the duplicate check and insert per plate. The
	// partial unique index in the store is the last line of defense across
	// processes. Entries are reference counted and evicted when the last
	// holder releases, keeping the map bounded by in-flight plates.
	mu         sync.Mutex
	plateLocks map[string]*plateLock
}

type plateLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates the ingestion service.
func NewService(db Store, gate dedup.Gate, approvals ApprovalCloser, recorder *audit.Recorder, config Config, logger *logrus.Logger) *Service {
	return &Service{
		db:         db,
		gate:       gate,
		approvals:  approvals,
		recorder:   recorder,
		config:     config,
		logger:     logger.WithField("component", "ingest"),
		plateLocks: make(map[string]*plateLock),
	}
}

// DetectionInput is a camera-originated plate observation.
type DetectionInput struct {
	Plate       string
	Confidence  int
	CameraID    string
	SnapshotRef string
	ObservedAt  time.Time
}

// ManualInput is an operator-attested entry.
type ManualInput struct {
	Plate      string
	OperatorID string
	StationID  string
	Note       string
	ObservedAt time.Time
}

// ExitInput identifies the vehicle leaving, by entry identifier or plate.
type ExitInput struct {
	EntryID        string
	Plate          string
	Actor          string
	OverrideReason string
	ObservedAt     time.Time
}

// Result carries the created or affected entry plus any alerts raised.
type Result struct {
	Entry      *store.VehicleEntry
	Suppressed bool
	Alerts     []*store.Alert
}

// IngestDetection records a camera detection. Retransmissions inside the
// cooldown window are suppressed as silent success so cameras do not enter
// retry storms; a genuine duplicate while the vehicle is still inside is a
// hard rejection with a critical alert against the existing entry.
func (s *Service) IngestDetection(ctx context.Context, input DetectionInput) (*Result, error) {
	if input.Plate == "" {
		return nil, fmt.Errorf("%w: plate", ErrMissingField)
	}
	if input.CameraID == "" {
		return nil, fmt.Errorf("%w: cameraId", ErrMissingField)
	}

	normalized, err := plate.Normalize(input.Plate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlate, input.Plate)
	}

	now := input.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	admitted, err := s.gate.Admit(ctx, normalized, now)
	if err != nil {
		return nil, fmt.Errorf("cooldown check failed: %w", err)
	}
	if !admitted {
		s.logger.WithFields(logrus.Fields{
			"plate":     normalized,
			"camera_id": input.CameraID,
		}).Debug("Detection suppressed inside cooldown window")
		return &Result{Suppressed: true}, nil
	}

	unlock := s.lockPlate(normalized)
	defer unlock()

	if existing, err := s.db.FindOpenEntryByPlate(ctx, normalized); err == nil {
		alert := s.raiseAlert(ctx, store.SubjectEntry, existing.ID, store.AlertDuplicateEntry, store.SeverityCritical,
			fmt.Sprintf("duplicate entry attempt for plate %s from camera %s while inside since %s",
				normalized, input.CameraID, existing.EnteredAt.Format(time.RFC3339)), now)

		s.recorder.Record(ctx, audit.Event{
			Actor:       "camera:" + input.CameraID,
			Action:      "ingest_detection",
			SubjectType: "entry",
			SubjectID:   existing.ID,
			Result:      audit.ResultRejected,
			Detail:      map[string]interface{}{"plate": normalized, "reason": "duplicate_entry"},
		})

		result := &Result{Entry: existing}
		if alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
		return result, ErrDuplicateEntry
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}

	status := lifecycle.StatusEntered
	if input.Confidence < s.config.ConfidenceThreshold {
		status = lifecycle.StatusFlagged
	}

	confidence := input.Confidence
	entry := &store.VehicleEntry{
		ID:         uuid.NewString(),
		Plate:      normalized,
		Confidence: &confidence,
		Source:     store.SourceCamera,
		Status:     status,
		EnteredAt:  now,
		CameraID:   &input.CameraID,
	}
	if input.SnapshotRef != "" {
		entry.SnapshotRef = &input.SnapshotRef
	}

	if err := s.db.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrOpenEntryExists) {
			return nil, ErrDuplicateEntry
		}
		return nil, err
	}

	result := &Result{Entry: entry}

	if status == lifecycle.StatusFlagged {
		alert := s.raiseAlert(ctx, store.SubjectEntry, entry.ID, store.AlertLowConfidence, store.SeverityWarning,
			fmt.Sprintf("plate %s detected with confidence %d below threshold %d",
				normalized, input.Confidence, s.config.ConfidenceThreshold), now)
		if alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	}

	result.Alerts = append(result.Alerts, s.policyAlerts(ctx, entry, now)...)

	s.recorder.Record(ctx, audit.Event{
		Actor:       "camera:" + input.CameraID,
		Action:      "ingest_detection",
		SubjectType: "entry",
		SubjectID:   entry.ID,
		Result:      audit.ResultSuccess,
		Detail: map[string]interface{}{
			"plate":      normalized,
			"confidence": input.Confidence,
			"status":     entry.Status.String(),
		},
	})

	s.logger.WithFields(logrus.Fields{
		"entry_id":   entry.ID,
		"plate":      normalized,
		"confidence": input.Confidence,
		"status":     entry.Status,
		"camera_id":  input.CameraID,
	}).Info("Detection recorded")

	return result, nil
}

// IngestManual records an operator-attested entry. Manual entries skip the
// cooldown gate and always start in AWAITING_APPROVAL.
func (s *Service) IngestManual(ctx context.Context, input ManualInput) (*Result, error) {
	if input.Plate == "" {
		return nil, fmt.Errorf("%w: plate", ErrMissingField)
	}
	if input.OperatorID == "" {
		return nil, fmt.Errorf("%w: operatorId", ErrMissingField)
	}

	normalized, err := plate.Normalize(input.Plate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlate, input.Plate)
	}

	now := input.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	unlock := s.lockPlate(normalized)
	defer unlock()

	if existing, err := s.db.FindOpenEntryByPlate(ctx, normalized); err == nil {
		s.recorder.Record(ctx, audit.Event{
			Actor:       "operator:" + input.OperatorID,
			Action:      "ingest_manual",
			SubjectType: "entry",
			SubjectID:   existing.ID,
			Result:      audit.ResultRejected,
			Detail:      map[string]interface{}{"plate": normalized, "reason": "duplicate_entry"},
		})
		return &Result{Entry: existing}, ErrDuplicateEntry
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}

	entry := &store.VehicleEntry{
		ID:        uuid.NewString(),
		Plate:     normalized,
		Source:    store.SourceManual,
		Status:    lifecycle.StatusAwaitingApproval,
		EnteredAt: now,
		Note:      input.Note,
	}
	if input.StationID != "" {
		entry.CameraID = &input.StationID
	}

	if err := s.db.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrOpenEntryExists) {
			return nil, ErrDuplicateEntry
		}
		return nil, err
	}

	result := &Result{Entry: entry}
	result.Alerts = append(result.Alerts, s.policyAlerts(ctx, entry, now)...)

	s.recorder.Record(ctx, audit.Event{
		Actor:       "operator:" + input.OperatorID,
		Action:      "ingest_manual",
		SubjectType: "entry",
		SubjectID:   entry.ID,
		Result:      audit.ResultSuccess,
		Detail:      map[string]interface{}{"plate": normalized},
	})

	s.logger.WithFields(logrus.Fields{
		"entry_id":    entry.ID,
		"plate":       normalized,
		"operator_id": input.OperatorID,
	}).Info("Manual entry recorded")

	return result, nil
}

// RecordExit moves an open entry to EXITED. Without an override reason the
// entry must be in an exitable state with no approval pending; with one,
// any open state may be exited and the override is audited distinctly.
func (s *Service) RecordExit(ctx context.Context, input ExitInput) (*store.VehicleEntry, error) {
	if input.Actor == "" {
		return nil, fmt.Errorf("%w: actor", ErrMissingField)
	}

	now := input.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entry, err := s.resolveExitTarget(ctx, input)
	if err != nil {
		return nil, err
	}

	if entry.Status == lifecycle.StatusExited {
		s.recorder.Record(ctx, audit.Event{
			Actor:       input.Actor,
			Action:      "record_exit",
			SubjectType: "entry",
			SubjectID:   entry.ID,
			Result:      audit.ResultRejected,
			Detail:      map[string]interface{}{"reason": "already_exited"},
		})
		return nil, &lifecycle.IllegalTransitionError{From: entry.Status, Trigger: lifecycle.TriggerExit}
	}

	override := input.OverrideReason != ""
	if !override {
		if !lifecycle.CanExitNormally(entry.Status) {
			s.auditExitRejected(ctx, input.Actor, entry.ID, "state_"+entry.Status.String())
			return nil, fmt.Errorf("%w: entry is %s", ErrExitBlocked, entry.Status)
		}
		if _, err := s.db.FindPendingApprovalByEntry(ctx, entry.ID); err == nil {
			s.auditExitRejected(ctx, input.Actor, entry.ID, "approval_pending")
			return nil, fmt.Errorf("%w: approval pending", ErrExitBlocked)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("approval check failed: %w", err)
		}
	}

	if err := s.db.MarkExited(ctx, entry.ID, entry.Status, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the swap: a concurrent transition changed the entry.
			return nil, &lifecycle.IllegalTransitionError{From: entry.Status, Trigger: lifecycle.TriggerExit}
		}
		return nil, err
	}

	// Close any still-open approval through the idempotent resolution path
	// so the expiry side effects are never skipped.
	if err := s.approvals.ExpireOpenForEntry(ctx, entry.ID); err != nil {
		s.logger.WithError(err).WithField("entry_id", entry.ID).Error("Failed to expire open approval on exit")
	}

	event := audit.Event{
		Actor:       input.Actor,
		Action:      "record_exit",
		SubjectType: "entry",
		SubjectID:   entry.ID,
		Result:      audit.ResultSuccess,
		Detail:      map[string]interface{}{"plate": entry.Plate, "from_status": entry.Status.String()},
	}
	if override {
		event.Action = "record_exit_override"
		event.Result = audit.ResultOverride
		event.Detail["reason"] = input.OverrideReason
	}
	s.recorder.Record(ctx, event)

	entry.Status = lifecycle.StatusExited
	entry.ExitedAt = &now

	s.logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"plate":    entry.Plate,
		"override": override,
	}).Info("Exit recorded")

	return entry, nil
}

// FlagEntry moves an entry to FLAGGED for re-review; it always requires a
// reason. From ENTERED this is an ordinary re-review; from any other open
// state it is an administrative override and audited as such.
func (s *Service) FlagEntry(ctx context.Context, entryID, actor, reason string) (*store.VehicleEntry, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason", ErrMissingField)
	}

	entry, err := s.db.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	trigger := lifecycle.TriggerOverrideFlag
	result := audit.ResultOverride
	if entry.Status == lifecycle.StatusEntered {
		trigger = lifecycle.TriggerFlag
		result = audit.ResultSuccess
	}

	to, err := lifecycle.Next(entry.Status, trigger)
	if err != nil {
		s.recorder.Record(ctx, audit.Event{
			Actor:       actor,
			Action:      "flag_entry",
			SubjectType: "entry",
			SubjectID:   entry.ID,
			Result:      audit.ResultRejected,
			Detail:      map[string]interface{}{"from_status": entry.Status.String()},
		})
		return nil, err
	}

	if err := s.db.UpdateEntryStatus(ctx, entry.ID, entry.Status, to); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:       actor,
		Action:      "flag_entry",
		SubjectType: "entry",
		SubjectID:   entry.ID,
		Result:      result,
		Detail:      map[string]interface{}{"reason": reason, "from_status": entry.Status.String()},
	})

	entry.Status = to
	return entry, nil
}

// MarkServiceDone moves an IN_SERVICE entry to READY_FOR_EXIT.
func (s *Service) MarkServiceDone(ctx context.Context, entryID, actor string) (*store.VehicleEntry, error) {
	entry, err := s.db.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	to, err := lifecycle.Next(entry.Status, lifecycle.TriggerServiceDone)
	if err != nil {
		return nil, err
	}

	if err := s.db.UpdateEntryStatus(ctx, entry.ID, entry.Status, to); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:       actor,
		Action:      "service_done",
		SubjectType: "entry",
		SubjectID:   entry.ID,
		Result:      audit.ResultSuccess,
	})

	entry.Status = to
	return entry, nil
}

// resolveExitTarget finds the entry for an exit event by id or plate.
func (s *Service) resolveExitTarget(ctx context.Context, input ExitInput) (*store.VehicleEntry, error) {
	if input.EntryID != "" {
		return s.db.GetEntry(ctx, input.EntryID)
	}
	if input.Plate == "" {
		return nil, fmt.Errorf("%w: entryId or plate", ErrMissingField)
	}

	normalized, err := plate.Normalize(input.Plate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlate, input.Plate)
	}
	return s.db.FindOpenEntryByPlate(ctx, normalized)
}

// policyAlerts raises the after-hours and capacity advisories for a freshly
// created entry. Neither blocks the entry.
func (s *Service) policyAlerts(ctx context.Context, entry *store.VehicleEntry, now time.Time) []*store.Alert {
	var alerts []*store.Alert

	if s.config.OpenHour != s.config.CloseHour {
		hour := now.Hour()
		outside := hour < s.config.OpenHour || hour >= s.config.CloseHour
		if outside {
			if alert := s.raiseAlert(ctx, store.SubjectEntry, entry.ID, store.AlertAfterHours, store.SeverityWarning,
				fmt.Sprintf("entry for plate %s recorded outside business hours (%02d:00-%02d:00)",
					entry.Plate, s.config.OpenHour, s.config.CloseHour), now); alert != nil {
				alerts = append(alerts, alert)
			}
		}
	}

	if s.config.Capacity > 0 {
		open, err := s.db.CountOpenEntries(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to count open entries for capacity check")
		} else if open >= s.config.Capacity {
			if alert := s.raiseAlert(ctx, store.SubjectEntry, entry.ID, store.AlertCapacityWarning, store.SeverityInfo,
				fmt.Sprintf("garage at capacity: %d of %d stalls occupied", open, s.config.Capacity), now); alert != nil {
				alerts = append(alerts, alert)
			}
		}
	}

	return alerts
}

func (s *Service) raiseAlert(ctx context.Context, subjectType store.SubjectType, subjectID string, alertType store.AlertType, severity store.AlertSeverity, message string, now time.Time) *store.Alert {
	alert := &store.Alert{
		ID:          uuid.NewString(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Type:        alertType,
		Severity:    severity,
		Message:     message,
		CreatedAt:   now,
	}

	if err := s.db.InsertAlert(ctx, alert); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"alert_type": alertType,
			"subject_id": subjectID,
		}).Error("Failed to persist alert")
		return nil
	}

	return alert
}

func (s *Service) auditExitRejected(ctx context.Context, actor, entryID, reason string) {
	s.recorder.Record(ctx, audit.Event{
		Actor:       actor,
		Action:      "record_exit",
		SubjectType: "entry",
		SubjectID:   entryID,
		Result:      audit.ResultRejected,
		Detail:      map[string]interface{}{"reason": reason},
	})
}

// lockPlate serializes ingestion for one plate and returns the unlock func.
// The unlock drops the map entry once no holder remains.
func (s *Service) lockPlate(plate string) func() {
	s.mu.Lock()
	lock, ok := s.plateLocks[plate]
	if !ok {
		lock = &plateLock{}
		s.plateLocks[plate] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.plateLocks, plate)
		}
		s.mu.Unlock()
	}
}

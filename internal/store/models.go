package store

import (
	"time"

	"garage-erm/internal/lifecycle"
)

// EntrySource identifies how a vehicle entry was recorded.
type EntrySource string

const (
	SourceCamera EntrySource = "CAMERA"
	SourceManual EntrySource = "MANUAL"
)

// VehicleEntry is one physical stay of a vehicle in the garage. Exit is a
// status transition, never a delete.
type VehicleEntry struct {
	ID          string
	Plate       string
	Confidence  *int
	Source      EntrySource
	Status      lifecycle.Status
	EnteredAt   time.Time
	ExitedAt    *time.Time
	SnapshotRef *string
	CameraID    *string
	Note        string
}

// ApprovalMethod is the channel used to reach the client.
type ApprovalMethod string

const (
	MethodSMS      ApprovalMethod = "SMS"
	MethodWhatsApp ApprovalMethod = "WHATSAPP"
	MethodWeb      ApprovalMethod = "WEB"
)

// IsValid reports whether m is a known approval method.
func (m ApprovalMethod) IsValid() bool {
	switch m {
	case MethodSMS, MethodWhatsApp, MethodWeb:
		return true
	}
	return false
}

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// IsTerminal reports whether the approval has been resolved.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest is one outstanding or resolved request for client
// sign-off on cost. RespondedAt is set iff the status is terminal.
type ApprovalRequest struct {
	ID              string
	EntryID         string
	ClientID        string
	Method          ApprovalMethod
	Status          ApprovalStatus
	SentAt          time.Time
	RespondedAt     *time.Time
	ResponsePayload *string
}

// CameraStatus is the liveness state of a registered camera.
type CameraStatus string

const (
	CameraOnline  CameraStatus = "online"
	CameraOffline CameraStatus = "offline"
	CameraUnknown CameraStatus = "unknown"
)

// CameraRecord is one registered detection source. APIKey and Address are
// connectivity metadata, opaque to the core and redacted on read at the API
// boundary.
type CameraRecord struct {
	ID       string
	Name     string
	Status   CameraStatus
	LastSeen *time.Time
	Address  string
	APIKey   string
}

// AlertType classifies operator advisories.
type AlertType string

const (
	AlertDuplicateEntry  AlertType = "duplicate_entry"
	AlertLowConfidence   AlertType = "low_confidence"
	AlertCameraOffline   AlertType = "camera_offline"
	AlertAfterHours      AlertType = "after_hours"
	AlertCapacityWarning AlertType = "capacity_warning"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// SubjectType identifies what an alert or audit record refers to.
type SubjectType string

const (
	SubjectEntry  SubjectType = "entry"
	SubjectCamera SubjectType = "camera"
)

// Alert is an advisory record surfaced to operators. Resolution is an
// operator action outside the core.
type Alert struct {
	ID          string
	SubjectType SubjectType
	SubjectID   string
	Type        AlertType
	Severity    AlertSeverity
	Message     string
	CreatedAt   time.Time
	Resolved    bool
}

// AuditRecord is one append-only line in the audit trail. Rejected actions
// are recorded as well as successful ones.
type AuditRecord struct {
	ID          string
	Actor       string
	Action      string
	SubjectType string
	SubjectID   string
	Result      string
	Detail      string
	CreatedAt   time.Time
}

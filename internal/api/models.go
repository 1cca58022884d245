package api

import (
	"time"

	"garage-erm/internal/store"
)

// vehicleEntryRequest is a camera detection event.
type vehicleEntryRequest struct {
	Plate       string    `json:"plate"`
	Confidence  int       `json:"confidence"`
	CameraID    string    `json:"cameraId"`
	SnapshotRef string    `json:"snapshotRef,omitempty"`
	ObservedAt  time.Time `json:"observedAt,omitempty"`
}

// manualEntryRequest is an operator-attested entry.
type manualEntryRequest struct {
	Plate      string `json:"plate"`
	OperatorID string `json:"operatorId"`
	StationID  string `json:"stationId,omitempty"`
	Note       string `json:"note,omitempty"`
}

// exitRequest identifies the vehicle leaving. Either entryId or plate is
// required; overrideReason enables the operator override path.
type exitRequest struct {
	EntryID        string    `json:"entryId,omitempty"`
	Plate          string    `json:"plate,omitempty"`
	OverrideReason string    `json:"overrideReason,omitempty"`
	ObservedAt     time.Time `json:"observedAt,omitempty"`
}

// heartbeatRequest is a camera liveness signal. The self-reported status is
// required on the wire but only logged; liveness itself is derived from
// receipt.
type heartbeatRequest struct {
	CameraID string    `json:"cameraId"`
	Status   string    `json:"status"`
	SeenAt   time.Time `json:"seenAt,omitempty"`
}

// approvalRequestBody opens an approval for an entry.
type approvalRequestBody struct {
	EntryID  string `json:"entryId"`
	ClientID string `json:"clientId"`
	Method   string `json:"method"`
}

// approvalCallbackRequest is the asynchronous provider response. Outcome is
// APPROVED or REJECTED; anything else is rejected as invalid input.
type approvalCallbackRequest struct {
	ApprovalID string `json:"approvalId"`
	Outcome    string `json:"outcome"`
	Payload    string `json:"payload,omitempty"`
}

// cameraRequest registers or updates a camera.
type cameraRequest struct {
	Name    *string `json:"name,omitempty"`
	Address *string `json:"address,omitempty"`
	APIKey  *string `json:"apiKey,omitempty"`
}

// flagRequest is an administrative move to FLAGGED.
type flagRequest struct {
	Reason string `json:"reason"`
}

// entryResponse is the wire form of a vehicle entry.
type entryResponse struct {
	ID          string     `json:"id"`
	Plate       string     `json:"plate"`
	Confidence  *int       `json:"confidence,omitempty"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	EnteredAt   time.Time  `json:"enteredAt"`
	ExitedAt    *time.Time `json:"exitedAt,omitempty"`
	SnapshotRef *string    `json:"snapshotRef,omitempty"`
	CameraID    *string    `json:"cameraId,omitempty"`
	Note        string     `json:"note,omitempty"`
}

func toEntryResponse(entry *store.VehicleEntry) *entryResponse {
	return &entryResponse{
		ID:          entry.ID,
		Plate:       entry.Plate,
		Confidence:  entry.Confidence,
		Source:      string(entry.Source),
		Status:      entry.Status.String(),
		EnteredAt:   entry.EnteredAt,
		ExitedAt:    entry.ExitedAt,
		SnapshotRef: entry.SnapshotRef,
		CameraID:    entry.CameraID,
		Note:        entry.Note,
	}
}

// ingestResponse is returned by the entry ingestion endpoints.
type ingestResponse struct {
	Success    bool             `json:"success"`
	Suppressed bool             `json:"suppressed,omitempty"`
	Entry      *entryResponse   `json:"entry,omitempty"`
	Alerts     []*alertResponse `json:"alerts,omitempty"`
}

// approvalResponse is the wire form of an approval request.
type approvalResponse struct {
	ID          string     `json:"id"`
	EntryID     string     `json:"entryId"`
	ClientID    string     `json:"clientId"`
	Method      string     `json:"method"`
	Status      string     `json:"status"`
	SentAt      time.Time  `json:"sentAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

func toApprovalResponse(approval *store.ApprovalRequest) *approvalResponse {
	return &approvalResponse{
		ID:          approval.ID,
		EntryID:     approval.EntryID,
		ClientID:    approval.ClientID,
		Method:      string(approval.Method),
		Status:      string(approval.Status),
		SentAt:      approval.SentAt,
		RespondedAt: approval.RespondedAt,
	}
}

// cameraResponse is the wire form of a camera, secrets redacted.
type cameraResponse struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func toCameraResponse(cam *store.CameraRecord) *cameraResponse {
	return &cameraResponse{
		ID:       cam.ID,
		Name:     cam.Name,
		Status:   string(cam.Status),
		LastSeen: cam.LastSeen,
	}
}

// alertResponse is the wire form of an alert.
type alertResponse struct {
	ID          string    `json:"id"`
	SubjectType string    `json:"subjectType"`
	SubjectID   string    `json:"subjectId"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toAlertResponse(alert *store.Alert) *alertResponse {
	return &alertResponse{
		ID:          alert.ID,
		SubjectType: string(alert.SubjectType),
		SubjectID:   alert.SubjectID,
		Type:        string(alert.Type),
		Severity:    string(alert.Severity),
		Message:     alert.Message,
		CreatedAt:   alert.CreatedAt,
	}
}

func toAlertResponses(alerts []*store.Alert) []*alertResponse {
	out := make([]*alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, toAlertResponse(alert))
	}
	return out
}

// healthResponse reports service liveness.
type healthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

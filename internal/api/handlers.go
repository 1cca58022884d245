package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/approval"
	"garage-erm/internal/camera"
	"garage-erm/internal/ingest"
	"garage-erm/internal/store"
)

// decodeBody decodes a JSON request body, rejecting unknown garbage early.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON body")
		return false
	}
	return true
}

// VehicleEntry handles camera detections.
func (s *Server) VehicleEntry(w http.ResponseWriter, r *http.Request) {
	var req vehicleEntryRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	result, err := s.ingest.IngestDetection(r.Context(), ingest.DetectionInput{
		Plate:       req.Plate,
		Confidence:  req.Confidence,
		CameraID:    req.CameraID,
		SnapshotRef: req.SnapshotRef,
		ObservedAt:  req.ObservedAt,
	})
	if result != nil {
		for _, alert := range result.Alerts {
			s.hub.Publish(EventAlertRaised, toAlertResponse(alert))
		}
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if result.Suppressed {
		s.writeJSON(w, http.StatusOK, ingestResponse{Success: true, Suppressed: true})
		return
	}

	s.hub.Publish(EventEntryCreated, toEntryResponse(result.Entry))

	s.writeJSON(w, http.StatusCreated, ingestResponse{
		Success: true,
		Entry:   toEntryResponse(result.Entry),
		Alerts:  toAlertResponses(result.Alerts),
	})
}

// ManualEntry handles operator-attested entries.
func (s *Server) ManualEntry(w http.ResponseWriter, r *http.Request) {
	var req manualEntryRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "manual_entry")

	result, err := s.ingest.IngestManual(r.Context(), ingest.ManualInput{
		Plate:      req.Plate,
		OperatorID: req.OperatorID,
		StationID:  req.StationID,
		Note:       req.Note,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	for _, alert := range result.Alerts {
		s.hub.Publish(EventAlertRaised, toAlertResponse(alert))
	}
	s.hub.Publish(EventEntryCreated, toEntryResponse(result.Entry))

	s.writeJSON(w, http.StatusCreated, ingestResponse{
		Success: true,
		Entry:   toEntryResponse(result.Entry),
		Alerts:  toAlertResponses(result.Alerts),
	})
}

// Exit handles exit events from cameras and operators.
func (s *Server) Exit(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "exit")

	entry, err := s.ingest.RecordExit(r.Context(), ingest.ExitInput{
		EntryID:        req.EntryID,
		Plate:          req.Plate,
		Actor:          actorFrom(r.Context()),
		OverrideReason: req.OverrideReason,
		ObservedAt:     req.ObservedAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.hub.Publish(EventEntryExited, toEntryResponse(entry))

	s.writeJSON(w, http.StatusOK, ingestResponse{Success: true, Entry: toEntryResponse(entry)})
}

// Heartbeat handles camera liveness signals.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.CameraID == "" {
		s.writeError(w, http.StatusBadRequest, kindInvalidInput, "cameraId is required")
		return
	}
	if req.Status == "" {
		s.writeError(w, http.StatusBadRequest, kindInvalidInput, "status is required")
		return
	}

	cam, err := s.cameras.Heartbeat(r.Context(), req.CameraID, req.SeenAt)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Status != "" && req.Status != string(cam.Status) {
		s.logger.WithFields(logrus.Fields{
			"camera_id":       cam.ID,
			"reported_status": req.Status,
			"derived_status":  cam.Status,
		}).Debug("Camera self-reported status differs from derived status")
	}

	s.writeJSON(w, http.StatusOK, toCameraResponse(cam))
}

// ApprovalRequest opens an approval workflow for an entry.
func (s *Server) ApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req approvalRequestBody
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "approval_request")

	result, err := s.approvals.Request(r.Context(), approval.RequestInput{
		EntryID:  req.EntryID,
		ClientID: req.ClientID,
		Method:   store.ApprovalMethod(req.Method),
		Actor:    actorFrom(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toApprovalResponse(result))
}

// ApprovalCallback correlates an asynchronous provider response. Late or
// duplicate callbacks answer 200 with the stored resolution.
func (s *Server) ApprovalCallback(w http.ResponseWriter, r *http.Request) {
	var req approvalCallbackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ApprovalID == "" {
		s.writeError(w, http.StatusBadRequest, kindInvalidInput, "approvalId is required")
		return
	}
	if req.Outcome == "" {
		s.writeError(w, http.StatusBadRequest, kindInvalidInput, "outcome is required")
		return
	}

	s.logMutation(r, "approval_callback")

	result, err := s.approvals.Resolve(r.Context(), approval.ResolveInput{
		ApprovalID: req.ApprovalID,
		Outcome:    store.ApprovalStatus(strings.ToUpper(req.Outcome)),
		Payload:    req.Payload,
		Actor:      "provider",
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toApprovalResponse(result))
}

// GetApproval returns one approval's state.
func (s *Server) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toApprovalResponse(result))
}

// RegisterCamera adds a camera to the registry.
func (s *Server) RegisterCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "camera_register")

	input := camera.RegisterInput{Actor: actorFrom(r.Context())}
	if req.Name != nil {
		input.Name = *req.Name
	}
	if req.Address != nil {
		input.Address = *req.Address
	}
	if req.APIKey != nil {
		input.APIKey = *req.APIKey
	}

	cam, err := s.cameras.Register(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toCameraResponse(cam))
}

// ListCameras returns all cameras, secrets redacted.
func (s *Server) ListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.cameras.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]*cameraResponse, 0, len(cams))
	for _, cam := range cams {
		out = append(out, toCameraResponse(cam))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// GetCamera returns one camera, secrets redacted.
func (s *Server) GetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameras.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toCameraResponse(cam))
}

// UpdateCamera changes a camera's name or connectivity metadata.
func (s *Server) UpdateCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "camera_update")

	cam, err := s.cameras.Update(r.Context(), mux.Vars(r)["id"], camera.UpdateInput{
		Name:    req.Name,
		Address: req.Address,
		APIKey:  req.APIKey,
		Actor:   actorFrom(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toCameraResponse(cam))
}

// DeleteCamera removes a camera registration.
func (s *Server) DeleteCamera(w http.ResponseWriter, r *http.Request) {
	s.logMutation(r, "camera_delete")

	if err := s.cameras.Delete(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context())); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetEntry returns one vehicle entry.
func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.db.GetEntry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// ListOpenEntries returns vehicles currently inside.
func (s *Server) ListOpenEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.db.ListOpenEntries(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]*entryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toEntryResponse(entry))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// FlagEntry is the administrative override to FLAGGED.
func (s *Server) FlagEntry(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.logMutation(r, "flag_entry")

	entry, err := s.ingest.FlagEntry(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// ServiceDone marks an in-service entry ready for exit.
func (s *Server) ServiceDone(w http.ResponseWriter, r *http.Request) {
	s.logMutation(r, "service_done")

	entry, err := s.ingest.MarkServiceDone(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// ListAlerts returns open alerts.
func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.db.ListOpenAlerts(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toAlertResponses(alerts))
}

// HealthCheck reports service and store liveness.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Database:  "ok",
		Timestamp: time.Now().UTC(),
	}

	status := http.StatusOK
	if err := s.db.Conn().PingContext(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

// logMutation records who touched a mutating endpoint from where.
func (s *Server) logMutation(r *http.Request, operation string) {
	s.logger.WithFields(logrus.Fields{
		"operation": operation,
		"actor":     actorFrom(r.Context()),
		"client_ip": getClientIP(r),
		"path":      r.URL.Path,
	}).Info("Mutating request")
}

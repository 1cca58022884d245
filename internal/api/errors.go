package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"garage-erm/internal/approval"
	"garage-erm/internal/camera"
	"garage-erm/internal/ingest"
	"garage-erm/internal/lifecycle"
	"garage-erm/internal/store"
)

// Error kinds exposed in the JSON error envelope.
const (
	kindInvalidInput      = "invalid_input"
	kindUnauthorized      = "unauthorized"
	kindNotFound          = "not_found"
	kindDuplicateEntry    = "duplicate_entry"
	kindApprovalPending   = "approval_pending"
	kindIllegalTransition = "illegal_transition"
	kindExitBlocked       = "exit_blocked"
	kindRateLimited       = "rate_limited"
	kindStoreUnavailable  = "store_unavailable"
	kindInternal          = "internal"
)

// errorResponse is the JSON envelope for all error statuses.
type errorResponse struct {
	Success   bool   `json:"success"`
	Kind      string `json:"errorKind"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// writeJSON writes a JSON body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError writes the JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{
		Success:   false,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// writeServiceError maps a service-layer error onto a status and error kind.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"method": r.Method,
		}).Error("Request failed")
	}

	s.writeError(w, status, kind, err.Error())
}

// classifyError maps service errors to HTTP statuses. Conflicts are 409,
// validation failures 400, unknown records 404, and everything else is a
// 500 with the detail logged server side.
func classifyError(err error) (int, string) {
	var illegal *lifecycle.IllegalTransitionError

	switch {
	case errors.Is(err, ingest.ErrMissingField),
		errors.Is(err, ingest.ErrInvalidPlate),
		errors.Is(err, approval.ErrInvalidMethod),
		errors.Is(err, approval.ErrInvalidResolution),
		errors.Is(err, camera.ErrMissingName):
		return http.StatusBadRequest, kindInvalidInput
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, ingest.ErrDuplicateEntry), errors.Is(err, store.ErrOpenEntryExists):
		return http.StatusConflict, kindDuplicateEntry
	case errors.Is(err, approval.ErrAlreadyPending), errors.Is(err, store.ErrPendingApprovalExists):
		return http.StatusConflict, kindApprovalPending
	case errors.Is(err, ingest.ErrExitBlocked):
		return http.StatusConflict, kindExitBlocked
	case errors.As(err, &illegal):
		return http.StatusConflict, kindIllegalTransition
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, kindStoreUnavailable
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

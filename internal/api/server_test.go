package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garage-erm/internal/approval"
	"garage-erm/internal/audit"
	"garage-erm/internal/camera"
	"garage-erm/internal/config"
	"garage-erm/internal/dedup"
	"garage-erm/internal/ingest"
	"garage-erm/internal/store"
)

const (
	testEdgeKey   = "edge-key-1"
	testJWTSecret = "test-jwt-secret"
)

type testEnv struct {
	server *Server
	db     *store.DB
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := audit.NewRecorder(db, logger)
	approvals := approval.NewManager(db, approval.NoopNotifier{}, recorder, approval.Config{
		Timeout:       30 * time.Minute,
		SweepInterval: time.Minute,
	}, logger)
	ingestSvc := ingest.NewService(db, dedup.NewMemoryGate(60*time.Second), approvals, recorder,
		ingest.Config{ConfidenceThreshold: 85}, logger)
	cameras := camera.NewService(db, recorder, logger)

	cfg := config.DefaultConfig()
	cfg.EdgeAPIKey = testEdgeKey
	cfg.JWTSecret = testJWTSecret

	server := NewServer(cfg, logger, ingestSvc, approvals, cameras, db, NewHub(logger))

	return &testEnv{server: server, db: db}
}

func operatorToken(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	e.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func cameraHeaders() map[string]string {
	return map[string]string{"X-API-Key": testEdgeKey}
}

func operatorHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + operatorToken(t, "op-1")}
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(dst))
}

func TestHealthEndpointIsOpen(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	var health healthResponse
	decodeJSON(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
}

func TestVehicleEntryRequiresAPIKey(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 90, CameraID: "cam-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	var envelope errorResponse
	decodeJSON(t, resp, &envelope)
	assert.False(t, envelope.Success)
	assert.Equal(t, kindUnauthorized, envelope.Kind)
}

func TestVehicleEntryCreated(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "ab-123-cd", Confidence: 92, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, resp.Code)

	var body ingestResponse
	decodeJSON(t, resp, &body)
	assert.True(t, body.Success)
	require.NotNil(t, body.Entry)
	assert.Equal(t, "AB123CD", body.Entry.Plate)
	assert.Equal(t, "ENTERED", body.Entry.Status)
}

func TestVehicleEntrySuppressedRetransmission(t *testing.T) {
	env := setupServer(t)

	req := vehicleEntryRequest{Plate: "AB123", Confidence: 92, CameraID: "cam-1"}
	first := env.request(t, http.MethodPost, "/api/v1/vehicle-entry", req, cameraHeaders())
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.request(t, http.MethodPost, "/api/v1/vehicle-entry", req, cameraHeaders())
	require.Equal(t, http.StatusOK, second.Code)

	var body ingestResponse
	decodeJSON(t, second, &body)
	assert.True(t, body.Success)
	assert.True(t, body.Suppressed)
	assert.Nil(t, body.Entry)
}

func TestVehicleEntryLowConfidenceFlagged(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "XY987", Confidence: 40, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, resp.Code)

	var body ingestResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "FLAGGED", body.Entry.Status)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "low_confidence", body.Alerts[0].Type)
}

func TestVehicleEntryInvalidPlate(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "!!!", Confidence: 90, CameraID: "cam-1"}, cameraHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	var envelope errorResponse
	decodeJSON(t, resp, &envelope)
	assert.Equal(t, kindInvalidInput, envelope.Kind)
}

func TestManualEntryRequiresOperatorToken(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/manual-entry",
		manualEntryRequest{Plate: "AB123", OperatorID: "op-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	// A camera key does not open operator endpoints.
	resp = env.request(t, http.MethodPost, "/api/v1/manual-entry",
		manualEntryRequest{Plate: "AB123", OperatorID: "op-1"}, cameraHeaders())
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestManualEntryCreated(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/manual-entry",
		manualEntryRequest{Plate: "zz 999", OperatorID: "op-1", Note: "walk-in"}, operatorHeaders(t))
	require.Equal(t, http.StatusCreated, resp.Code)

	var body ingestResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ZZ999", body.Entry.Plate)
	assert.Equal(t, "AWAITING_APPROVAL", body.Entry.Status)
}

func TestDuplicateEntryConflict(t *testing.T) {
	env := setupServer(t)

	req := vehicleEntryRequest{Plate: "AB123", Confidence: 90, CameraID: "cam-1",
		ObservedAt: time.Now().UTC().Add(-5 * time.Minute)}
	first := env.request(t, http.MethodPost, "/api/v1/vehicle-entry", req, cameraHeaders())
	require.Equal(t, http.StatusCreated, first.Code)

	// Outside the cooldown window, while the vehicle is still inside.
	req.ObservedAt = time.Now().UTC()
	second := env.request(t, http.MethodPost, "/api/v1/vehicle-entry", req, cameraHeaders())
	assert.Equal(t, http.StatusConflict, second.Code)

	var envelope errorResponse
	decodeJSON(t, second, &envelope)
	assert.Equal(t, kindDuplicateEntry, envelope.Kind)
}

func TestApprovalWorkflowOverHTTP(t *testing.T) {
	env := setupServer(t)

	created := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 90, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	var entryBody ingestResponse
	decodeJSON(t, created, &entryBody)

	reqResp := env.request(t, http.MethodPost, "/api/v1/approval-request",
		approvalRequestBody{EntryID: entryBody.Entry.ID, ClientID: "client-1", Method: "SMS"}, operatorHeaders(t))
	require.Equal(t, http.StatusCreated, reqResp.Code)

	var approvalBody approvalResponse
	decodeJSON(t, reqResp, &approvalBody)
	assert.Equal(t, "PENDING", approvalBody.Status)

	// Second request for the same entry conflicts.
	dupResp := env.request(t, http.MethodPost, "/api/v1/approval-request",
		approvalRequestBody{EntryID: entryBody.Entry.ID, ClientID: "client-2", Method: "WEB"}, operatorHeaders(t))
	assert.Equal(t, http.StatusConflict, dupResp.Code)

	// Provider callback is unauthenticated.
	cbResp := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: approvalBody.ID, Outcome: "APPROVED"}, nil)
	require.Equal(t, http.StatusOK, cbResp.Code)

	var resolved approvalResponse
	decodeJSON(t, cbResp, &resolved)
	assert.Equal(t, "APPROVED", resolved.Status)

	// A duplicate callback with the opposite answer is a no-op 200.
	dupCb := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: approvalBody.ID, Outcome: "REJECTED"}, nil)
	require.Equal(t, http.StatusOK, dupCb.Code)
	decodeJSON(t, dupCb, &resolved)
	assert.Equal(t, "APPROVED", resolved.Status)

	// The entry moved to IN_SERVICE.
	entryResp := env.request(t, http.MethodGet, "/api/v1/entries/"+entryBody.Entry.ID, nil, operatorHeaders(t))
	require.Equal(t, http.StatusOK, entryResp.Code)
	var entry entryResponse
	decodeJSON(t, entryResp, &entry)
	assert.Equal(t, "IN_SERVICE", entry.Status)
}

func TestApprovalCallbackUnknownID(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: "no-such-approval", Outcome: "APPROVED"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestApprovalCallbackOutcomeValidation(t *testing.T) {
	env := setupServer(t)

	created := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 90, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, created.Code)
	var entryBody ingestResponse
	decodeJSON(t, created, &entryBody)

	reqResp := env.request(t, http.MethodPost, "/api/v1/approval-request",
		approvalRequestBody{EntryID: entryBody.Entry.ID, ClientID: "client-1", Method: "SMS"}, operatorHeaders(t))
	require.Equal(t, http.StatusCreated, reqResp.Code)
	var approvalBody approvalResponse
	decodeJSON(t, reqResp, &approvalBody)

	// A body without an outcome is rejected, not resolved.
	missing := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: approvalBody.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	// So is an unknown outcome value.
	bogus := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: approvalBody.ID, Outcome: "MAYBE"}, nil)
	assert.Equal(t, http.StatusBadRequest, bogus.Code)
	var envelope errorResponse
	decodeJSON(t, bogus, &envelope)
	assert.Equal(t, kindInvalidInput, envelope.Kind)

	// Neither attempt touched the approval or the entry.
	getResp := env.request(t, http.MethodGet, "/api/v1/approval/"+approvalBody.ID, nil, operatorHeaders(t))
	require.Equal(t, http.StatusOK, getResp.Code)
	var stored approvalResponse
	decodeJSON(t, getResp, &stored)
	assert.Equal(t, "PENDING", stored.Status)

	// Lower-case outcomes from lax providers are accepted.
	lower := env.request(t, http.MethodPost, "/api/v1/approval-callback",
		approvalCallbackRequest{ApprovalID: approvalBody.ID, Outcome: "approved"}, nil)
	require.Equal(t, http.StatusOK, lower.Code)
	var resolved approvalResponse
	decodeJSON(t, lower, &resolved)
	assert.Equal(t, "APPROVED", resolved.Status)

	entryResp := env.request(t, http.MethodGet, "/api/v1/entries/"+entryBody.Entry.ID, nil, operatorHeaders(t))
	require.Equal(t, http.StatusOK, entryResp.Code)
	var entry entryResponse
	decodeJSON(t, entryResp, &entry)
	assert.Equal(t, "IN_SERVICE", entry.Status)
}

func TestExitWithCameraKey(t *testing.T) {
	env := setupServer(t)

	created := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 90, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	resp := env.request(t, http.MethodPost, "/api/v1/exit",
		exitRequest{Plate: "AB123"}, cameraHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var body ingestResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "EXITED", body.Entry.Status)
}

func TestExitBlockedNeedsOverride(t *testing.T) {
	env := setupServer(t)

	created := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 40, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	var entryBody ingestResponse
	decodeJSON(t, created, &entryBody)

	blocked := env.request(t, http.MethodPost, "/api/v1/exit",
		exitRequest{EntryID: entryBody.Entry.ID}, cameraHeaders())
	assert.Equal(t, http.StatusConflict, blocked.Code)

	var envelope errorResponse
	decodeJSON(t, blocked, &envelope)
	assert.Equal(t, kindExitBlocked, envelope.Kind)

	// Operator override releases the vehicle.
	released := env.request(t, http.MethodPost, "/api/v1/exit",
		exitRequest{EntryID: entryBody.Entry.ID, OverrideReason: "manager release"}, operatorHeaders(t))
	assert.Equal(t, http.StatusOK, released.Code)
}

func TestCameraCRUDAndRedaction(t *testing.T) {
	env := setupServer(t)

	name := "entry-gate"
	address := "10.0.0.12:554"
	apiKey := "cam-secret"
	created := env.request(t, http.MethodPost, "/api/v1/cameras",
		cameraRequest{Name: &name, Address: &address, APIKey: &apiKey}, operatorHeaders(t))
	require.Equal(t, http.StatusCreated, created.Code)

	assert.NotContains(t, created.Body.String(), "cam-secret")
	assert.NotContains(t, created.Body.String(), "10.0.0.12")

	var cam cameraResponse
	decodeJSON(t, created, &cam)
	assert.Equal(t, "unknown", cam.Status)

	// Per-camera key authenticates the heartbeat path.
	hb := env.request(t, http.MethodPost, "/api/v1/heartbeat",
		heartbeatRequest{CameraID: cam.ID, Status: "online"}, map[string]string{"X-API-Key": "cam-secret"})
	require.Equal(t, http.StatusOK, hb.Code)

	var after cameraResponse
	decodeJSON(t, hb, &after)
	assert.Equal(t, "online", after.Status)
	assert.NotNil(t, after.LastSeen)

	// A heartbeat without a self-reported status is malformed.
	noStatus := env.request(t, http.MethodPost, "/api/v1/heartbeat",
		heartbeatRequest{CameraID: cam.ID}, map[string]string{"X-API-Key": "cam-secret"})
	assert.Equal(t, http.StatusBadRequest, noStatus.Code)

	newName := "exit-gate"
	updated := env.request(t, http.MethodPut, "/api/v1/cameras/"+cam.ID,
		cameraRequest{Name: &newName}, operatorHeaders(t))
	require.Equal(t, http.StatusOK, updated.Code)

	deleted := env.request(t, http.MethodDelete, "/api/v1/cameras/"+cam.ID, nil, operatorHeaders(t))
	assert.Equal(t, http.StatusNoContent, deleted.Code)

	missing := env.request(t, http.MethodGet, "/api/v1/cameras/"+cam.ID, nil, operatorHeaders(t))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetEntryNotFound(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodGet, "/api/v1/entries/no-such-entry", nil, operatorHeaders(t))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	var envelope errorResponse
	decodeJSON(t, resp, &envelope)
	assert.Equal(t, kindNotFound, envelope.Kind)
}

func TestListAlerts(t *testing.T) {
	env := setupServer(t)

	created := env.request(t, http.MethodPost, "/api/v1/vehicle-entry",
		vehicleEntryRequest{Plate: "AB123", Confidence: 40, CameraID: "cam-1"}, cameraHeaders())
	require.Equal(t, http.StatusCreated, created.Code)

	resp := env.request(t, http.MethodGet, "/api/v1/alerts", nil, operatorHeaders(t))
	require.Equal(t, http.StatusOK, resp.Code)

	var alerts []*alertResponse
	decodeJSON(t, resp, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "low_confidence", alerts[0].Type)
}

func TestRateLimitOnCameraRoutes(t *testing.T) {
	env := setupServer(t)
	env.server.rateLimiter = newRateLimiter(2)

	req := heartbeatRequest{CameraID: "cam-x", Status: "online"}
	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodPost, "/api/v1/heartbeat", req, cameraHeaders())
		assert.NotEqual(t, http.StatusTooManyRequests, resp.Code)
	}

	resp := env.request(t, http.MethodPost, "/api/v1/heartbeat", req, cameraHeaders())
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitOnExitCameraPath(t *testing.T) {
	env := setupServer(t)
	env.server.rateLimiter = newRateLimiter(2)

	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodPost, "/api/v1/exit", exitRequest{Plate: "ZZ999"}, cameraHeaders())
		assert.NotEqual(t, http.StatusTooManyRequests, resp.Code)
	}

	limited := env.request(t, http.MethodPost, "/api/v1/exit", exitRequest{Plate: "ZZ999"}, cameraHeaders())
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)

	// Operator traffic on the same endpoint is attended and not limited.
	opResp := env.request(t, http.MethodPost, "/api/v1/exit", exitRequest{Plate: "ZZ999"}, operatorHeaders(t))
	assert.NotEqual(t, http.StatusTooManyRequests, opResp.Code)
}

func TestExpiredOperatorTokenRejected(t *testing.T) {
	env := setupServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "op-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	resp := env.request(t, http.MethodGet, "/api/v1/entries", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := setupServer(t)

	resp := env.request(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert(subjectID string, alertType AlertType) *Alert {
	return &Alert{
		ID:          uuid.NewString(),
		SubjectType: SubjectCamera,
		SubjectID:   subjectID,
		Type:        alertType,
		Severity:    SeverityCritical,
		Message:     "camera offline",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestInsertAndListOpenAlerts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertAlert(ctx, testAlert("CAM1", AlertCameraOffline)))

	resolved := testAlert("CAM2", AlertCameraOffline)
	resolved.Resolved = true
	require.NoError(t, db.InsertAlert(ctx, resolved))

	open, err := db.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "CAM1", open[0].SubjectID)
	assert.Equal(t, AlertCameraOffline, open[0].Type)
}

func TestResolveAlerts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertAlert(ctx, testAlert("CAM1", AlertCameraOffline)))
	require.NoError(t, db.InsertAlert(ctx, testAlert("CAM1", AlertCameraOffline)))
	require.NoError(t, db.InsertAlert(ctx, testAlert("CAM2", AlertCameraOffline)))

	closed, err := db.ResolveAlerts(ctx, SubjectCamera, "CAM1", AlertCameraOffline)
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed)

	count, err := db.CountOpenAlerts(ctx, SubjectCamera, "CAM1", AlertCameraOffline)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = db.CountOpenAlerts(ctx, SubjectCamera, "CAM2", AlertCameraOffline)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAuditTrailAppend(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	record := &AuditRecord{
		ID:          uuid.NewString(),
		Actor:       "operator:jane",
		Action:      "manual_entry",
		SubjectType: "entry",
		SubjectID:   uuid.NewString(),
		Result:      "success",
		Detail:      `{"plate":"RAA123B"}`,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.InsertAuditRecord(ctx, record))

	records, err := db.ListAuditRecords(ctx, "entry", record.SubjectID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "operator:jane", records[0].Actor)
	assert.Equal(t, "success", records[0].Result)
}

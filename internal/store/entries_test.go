package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garage-erm/internal/lifecycle"
)

func testEntry(plate string, status lifecycle.Status) *VehicleEntry {
	return &VehicleEntry{
		ID:        uuid.NewString(),
		Plate:     plate,
		Source:    SourceCamera,
		Status:    status,
		EnteredAt: time.Now().UTC(),
	}
}

func TestInsertAndGetEntry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	confidence := 92
	cameraID := "CAM1"
	entry := testEntry("RAA123B", lifecycle.StatusEntered)
	entry.Confidence = &confidence
	entry.CameraID = &cameraID
	entry.Note = "north gate"

	require.NoError(t, db.InsertEntry(ctx, entry))

	got, err := db.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "RAA123B", got.Plate)
	assert.Equal(t, lifecycle.StatusEntered, got.Status)
	assert.Equal(t, SourceCamera, got.Source)
	require.NotNil(t, got.Confidence)
	assert.Equal(t, 92, *got.Confidence)
	require.NotNil(t, got.CameraID)
	assert.Equal(t, "CAM1", *got.CameraID)
	assert.Nil(t, got.ExitedAt)
	assert.Equal(t, "north gate", got.Note)
}

func TestGetEntryNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetEntry(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenEntryUniqueIndex(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertEntry(ctx, testEntry("RAA123B", lifecycle.StatusEntered)))

	// A second open entry for the same plate violates the partial index.
	err := db.InsertEntry(ctx, testEntry("RAA123B", lifecycle.StatusEntered))
	assert.ErrorIs(t, err, ErrOpenEntryExists)

	// An exited entry for the same plate does not.
	exited := testEntry("RAA123B", lifecycle.StatusExited)
	now := time.Now().UTC()
	exited.ExitedAt = &now
	assert.NoError(t, db.InsertEntry(ctx, exited))
}

func TestFindOpenEntryByPlate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entry := testEntry("RAA123B", lifecycle.StatusFlagged)
	require.NoError(t, db.InsertEntry(ctx, entry))

	got, err := db.FindOpenEntryByPlate(ctx, "RAA123B")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	_, err = db.FindOpenEntryByPlate(ctx, "RAB456C")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEntryStatusCAS(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entry := testEntry("RAA123B", lifecycle.StatusAwaitingApproval)
	require.NoError(t, db.InsertEntry(ctx, entry))

	err := db.UpdateEntryStatus(ctx, entry.ID, lifecycle.StatusAwaitingApproval, lifecycle.StatusInService)
	require.NoError(t, err)

	// Second transition from the stale state loses the compare-and-swap.
	err = db.UpdateEntryStatus(ctx, entry.ID, lifecycle.StatusAwaitingApproval, lifecycle.StatusFlagged)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := db.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInService, got.Status)
}

func TestMarkExited(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entry := testEntry("RAA123B", lifecycle.StatusReadyForExit)
	require.NoError(t, db.InsertEntry(ctx, entry))

	exitedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.MarkExited(ctx, entry.ID, lifecycle.StatusReadyForExit, exitedAt))

	got, err := db.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExited, got.Status)
	require.NotNil(t, got.ExitedAt)
	assert.True(t, got.ExitedAt.Equal(exitedAt))

	// Exit is not re-appliable, EXITED is terminal.
	err = db.MarkExited(ctx, entry.ID, lifecycle.StatusReadyForExit, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountAndListOpenEntries(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := testEntry("RAA111A", lifecycle.StatusEntered)
	first.EnteredAt = time.Now().UTC().Add(-2 * time.Hour)
	second := testEntry("RAB222B", lifecycle.StatusInService)
	second.EnteredAt = time.Now().UTC().Add(-1 * time.Hour)
	gone := testEntry("RAC333C", lifecycle.StatusExited)

	for _, e := range []*VehicleEntry{first, second, gone} {
		require.NoError(t, db.InsertEntry(ctx, e))
	}

	count, err := db.CountOpenEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	open, err := db.ListOpenEntries(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID, "oldest entry first")
}

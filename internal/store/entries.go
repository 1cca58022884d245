package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"garage-erm/internal/lifecycle"
)

// ErrOpenEntryExists is returned when inserting an entry would violate the
// one-open-entry-per-plate invariant. The partial unique index on open
// entries raises this even if the caller's duplicate check raced.
var ErrOpenEntryExists = errors.New("an open entry already exists for this plate")

// InsertEntry persists a new vehicle entry.
func (db *DB) InsertEntry(ctx context.Context, entry *VehicleEntry) error {
	query := `
		INSERT INTO vehicle_entries (id, plate, confidence, source, status, entered_at, exited_at, snapshot_ref, camera_id, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		entry.ID,
		entry.Plate,
		nullableInt(entry.Confidence),
		string(entry.Source),
		string(entry.Status),
		entry.EnteredAt,
		nullableTime(entry.ExitedAt),
		nullableString(entry.SnapshotRef),
		nullableString(entry.CameraID),
		entry.Note,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenEntryExists
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	return nil
}

// GetEntry loads one entry by identifier.
func (db *DB) GetEntry(ctx context.Context, id string) (*VehicleEntry, error) {
	query := `
		SELECT id, plate, confidence, source, status, entered_at, exited_at, snapshot_ref, camera_id, note
		FROM vehicle_entries
		WHERE id = ?
	`
	return db.scanEntry(db.queryRow(ctx, query, id))
}

// FindOpenEntryByPlate returns the entry for plate whose status is not
// EXITED, or ErrNotFound.
func (db *DB) FindOpenEntryByPlate(ctx context.Context, plate string) (*VehicleEntry, error) {
	query := `
		SELECT id, plate, confidence, source, status, entered_at, exited_at, snapshot_ref, camera_id, note
		FROM vehicle_entries
		WHERE plate = ? AND status != 'EXITED'
	`
	return db.scanEntry(db.queryRow(ctx, query, plate))
}

// CountOpenEntries returns the number of vehicles currently inside.
func (db *DB) CountOpenEntries(ctx context.Context) (int, error) {
	var count int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM vehicle_entries WHERE status != 'EXITED'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open entries: %w", err)
	}
	return count, nil
}

// UpdateEntryStatus moves an entry from one status to another as a
// compare-and-swap. Returns ErrNotFound when the entry does not exist or is
// no longer in the expected state, so a concurrent transition cannot be
// double-applied.
func (db *DB) UpdateEntryStatus(ctx context.Context, id string, from, to lifecycle.Status) error {
	query := `UPDATE vehicle_entries SET status = ? WHERE id = ? AND status = ?`

	result, err := db.exec(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkExited transitions an entry to EXITED and records the exit timestamp.
// The guard on the current status makes concurrent exits idempotent at the
// store level.
func (db *DB) MarkExited(ctx context.Context, id string, from lifecycle.Status, exitedAt time.Time) error {
	query := `UPDATE vehicle_entries SET status = 'EXITED', exited_at = ? WHERE id = ? AND status = ?`

	result, err := db.exec(ctx, query, exitedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to mark entry exited: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListOpenEntries returns all entries currently inside, oldest first.
func (db *DB) ListOpenEntries(ctx context.Context) ([]*VehicleEntry, error) {
	query := `
		SELECT id, plate, confidence, source, status, entered_at, exited_at, snapshot_ref, camera_id, note
		FROM vehicle_entries
		WHERE status != 'EXITED'
		ORDER BY entered_at ASC
	`

	rows, err := db.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open entries: %w", err)
	}
	defer rows.Close()

	var entries []*VehicleEntry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry rows: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanEntry(row *sql.Row) (*VehicleEntry, error) {
	entry, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

func scanEntryRow(row rowScanner) (*VehicleEntry, error) {
	entry := &VehicleEntry{}
	var (
		confidence  sql.NullInt64
		exitedAt    sql.NullTime
		snapshotRef sql.NullString
		cameraID    sql.NullString
		source      string
		status      string
	)

	err := row.Scan(
		&entry.ID,
		&entry.Plate,
		&confidence,
		&source,
		&status,
		&entry.EnteredAt,
		&exitedAt,
		&snapshotRef,
		&cameraID,
		&entry.Note,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entry row: %w", err)
	}

	entry.Source = EntrySource(source)
	entry.Status = lifecycle.Status(status)
	if confidence.Valid {
		c := int(confidence.Int64)
		entry.Confidence = &c
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		entry.ExitedAt = &t
	}
	if snapshotRef.Valid {
		entry.SnapshotRef = &snapshotRef.String
	}
	if cameraID.Valid {
		entry.CameraID = &cameraID.String
	}

	return entry, nil
}

// Nullable column helpers shared across the store.

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullableTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// isUniqueViolation detects unique-index violations from either driver
// without importing driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}

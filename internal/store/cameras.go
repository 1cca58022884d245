package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertCamera registers a new detection source.
func (db *DB) InsertCamera(ctx context.Context, camera *CameraRecord) error {
	query := `
		INSERT INTO cameras (id, name, status, last_seen, address, api_key)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		camera.ID,
		camera.Name,
		string(camera.Status),
		nullableTime(camera.LastSeen),
		camera.Address,
		camera.APIKey,
	)
	if err != nil {
		return fmt.Errorf("failed to insert camera: %w", err)
	}

	return nil
}

// GetCamera loads one camera by identifier.
func (db *DB) GetCamera(ctx context.Context, id string) (*CameraRecord, error) {
	query := `SELECT id, name, status, last_seen, address, api_key FROM cameras WHERE id = ?`
	return db.scanCamera(db.queryRow(ctx, query, id))
}

// ListCameras returns all registered cameras ordered by name.
func (db *DB) ListCameras(ctx context.Context) ([]*CameraRecord, error) {
	query := `SELECT id, name, status, last_seen, address, api_key FROM cameras ORDER BY name ASC`

	rows, err := db.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		camera, err := scanCameraRow(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, camera)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating camera rows: %w", err)
	}

	return cameras, nil
}

// UpdateCamera updates display name and connectivity metadata. Status and
// last_seen are owned by the heartbeat and monitor paths.
func (db *DB) UpdateCamera(ctx context.Context, camera *CameraRecord) error {
	query := `UPDATE cameras SET name = ?, address = ?, api_key = ? WHERE id = ?`

	result, err := db.exec(ctx, query, camera.Name, camera.Address, camera.APIKey, camera.ID)
	if err != nil {
		return fmt.Errorf("failed to update camera: %w", err)
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

// DeleteCamera removes a camera registration. Deletion is an external
// management action, not part of the monitoring core.
func (db *DB) DeleteCamera(ctx context.Context, id string) error {
	result, err := db.exec(ctx, `DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
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

// RecordHeartbeat marks a camera online at seenAt. last_seen is monotonic:
// an out-of-order heartbeat older than the stored value flips status but
// does not move last_seen backward. Returns ErrNotFound for unregistered
// cameras.
func (db *DB) RecordHeartbeat(ctx context.Context, id string, seenAt time.Time) error {
	// Try the normal case first: heartbeat newer than anything stored.
	query := `
		UPDATE cameras
		SET status = 'online', last_seen = ?
		WHERE id = ? AND (last_seen IS NULL OR last_seen <= ?)
	`
	result, err := db.exec(ctx, query, seenAt, id, seenAt)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Stale timestamp: accept the signal for bookkeeping, keep last_seen.
	result, err = db.exec(ctx, `UPDATE cameras SET status = 'online' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record stale heartbeat: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// FindStaleCameras returns cameras whose last_seen is older than cutoff (or
// never seen) and that are not already offline.
func (db *DB) FindStaleCameras(ctx context.Context, cutoff time.Time) ([]*CameraRecord, error) {
	query := `
		SELECT id, name, status, last_seen, address, api_key
		FROM cameras
		WHERE status != 'offline' AND (last_seen IS NULL OR last_seen < ?)
	`

	rows, err := db.query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		camera, err := scanCameraRow(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, camera)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating camera rows: %w", err)
	}

	return cameras, nil
}

// MarkCameraOffline flips a camera to offline unless a heartbeat newer than
// cutoff has landed since the staleness check. Reports whether the camera
// was transitioned, so a racing heartbeat wins by timestamp.
func (db *DB) MarkCameraOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	query := `
		UPDATE cameras
		SET status = 'offline'
		WHERE id = ? AND status != 'offline' AND (last_seen IS NULL OR last_seen < ?)
	`

	result, err := db.exec(ctx, query, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to mark camera offline: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// FindCameraByAPIKey resolves a per-camera key to its record, for the
// camera-facing authentication path.
func (db *DB) FindCameraByAPIKey(ctx context.Context, apiKey string) (*CameraRecord, error) {
	if apiKey == "" {
		return nil, ErrNotFound
	}
	query := `SELECT id, name, status, last_seen, address, api_key FROM cameras WHERE api_key = ?`
	return db.scanCamera(db.queryRow(ctx, query, apiKey))
}

func (db *DB) scanCamera(row *sql.Row) (*CameraRecord, error) {
	camera, err := scanCameraRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return camera, err
}

func scanCameraRow(row rowScanner) (*CameraRecord, error) {
	camera := &CameraRecord{}
	var (
		status   string
		lastSeen sql.NullTime
	)

	err := row.Scan(
		&camera.ID,
		&camera.Name,
		&status,
		&lastSeen,
		&camera.Address,
		&camera.APIKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan camera row: %w", err)
	}

	camera.Status = CameraStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		camera.LastSeen = &t
	}

	return camera, nil
}

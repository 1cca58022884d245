package store

import (
	"fmt"
)

// migrate creates the schema. Statements are portable between SQLite and
// Postgres: TEXT uuid primary keys, TIMESTAMP columns, partial unique
// indexes as the last line of defense for the open-entry and
// pending-approval invariants.
func (db *DB) migrate() error {
	migrations := []string{
		createEntriesTable,
		createApprovalsTable,
		createCamerasTable,
		createAlertsTable,
		createAuditLogTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS vehicle_entries (
    id TEXT PRIMARY KEY,
    plate TEXT NOT NULL,
    confidence INTEGER,
    source TEXT NOT NULL CHECK (source IN ('CAMERA', 'MANUAL')),
    status TEXT NOT NULL CHECK (status IN ('ENTERED', 'FLAGGED', 'AWAITING_APPROVAL', 'IN_SERVICE', 'READY_FOR_EXIT', 'EXITED')),
    entered_at TIMESTAMP NOT NULL,
    exited_at TIMESTAMP,
    snapshot_ref TEXT,
    camera_id TEXT,
    note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const createApprovalsTable = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    method TEXT NOT NULL CHECK (method IN ('SMS', 'WHATSAPP', 'WEB')),
    status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED', 'EXPIRED')),
    sent_at TIMESTAMP NOT NULL,
    responded_at TIMESTAMP,
    response_payload TEXT
);`

const createCamerasTable = `
CREATE TABLE IF NOT EXISTS cameras (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('online', 'offline', 'unknown')),
    last_seen TIMESTAMP,
    address TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const createAlertsTable = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL CHECK (subject_type IN ('entry', 'camera')),
    subject_id TEXT NOT NULL,
    alert_type TEXT NOT NULL CHECK (alert_type IN ('duplicate_entry', 'low_confidence', 'camera_offline', 'after_hours', 'capacity_warning')),
    severity TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
    message TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT FALSE
);`

const createAuditLogTable = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    result TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);`

const createIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_open_plate ON vehicle_entries(plate) WHERE status != 'EXITED';
CREATE INDEX IF NOT EXISTS idx_entries_status ON vehicle_entries(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending_entry ON approval_requests(entry_id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_approvals_status_sent ON approval_requests(status, sent_at);
CREATE INDEX IF NOT EXISTS idx_cameras_last_seen ON cameras(last_seen);
CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts(subject_type, subject_id);
CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved);
CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject_type, subject_id);
`

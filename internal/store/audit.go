package store

import (
	"context"
	"fmt"
)

// InsertAuditRecord appends one line to the audit trail. Records are never
// updated or deleted.
func (db *DB) InsertAuditRecord(ctx context.Context, record *AuditRecord) error {
	query := `
		INSERT INTO audit_log (id, actor, action, subject_type, subject_id, result, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		record.ID,
		record.Actor,
		record.Action,
		record.SubjectType,
		record.SubjectID,
		record.Result,
		record.Detail,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// ListAuditRecords returns the audit trail for one subject, oldest first.
func (db *DB) ListAuditRecords(ctx context.Context, subjectType, subjectID string) ([]*AuditRecord, error) {
	query := `
		SELECT id, actor, action, subject_type, subject_id, result, detail, created_at
		FROM audit_log
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY created_at ASC
	`

	rows, err := db.query(ctx, query, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		record := &AuditRecord{}
		err := rows.Scan(
			&record.ID,
			&record.Actor,
			&record.Action,
			&record.SubjectType,
			&record.SubjectID,
			&record.Result,
			&record.Detail,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return records, nil
}

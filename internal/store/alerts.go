package store

import (
	"context"
	"fmt"
)

// InsertAlert persists a new operator advisory.
func (db *DB) InsertAlert(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (id, subject_type, subject_id, alert_type, severity, message, created_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		alert.ID,
		string(alert.SubjectType),
		alert.SubjectID,
		string(alert.Type),
		string(alert.Severity),
		alert.Message,
		alert.CreatedAt,
		alert.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// ListOpenAlerts returns unresolved alerts, newest first.
func (db *DB) ListOpenAlerts(ctx context.Context) ([]*Alert, error) {
	query := `
		SELECT id, subject_type, subject_id, alert_type, severity, message, created_at, resolved
		FROM alerts
		WHERE resolved = FALSE
		ORDER BY created_at DESC
	`

	rows, err := db.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert := &Alert{}
		var subjectType, alertType, severity string

		err := rows.Scan(
			&alert.ID,
			&subjectType,
			&alert.SubjectID,
			&alertType,
			&severity,
			&alert.Message,
			&alert.CreatedAt,
			&alert.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}

		alert.SubjectType = SubjectType(subjectType)
		alert.Type = AlertType(alertType)
		alert.Severity = AlertSeverity(severity)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}

	return alerts, nil
}

// ResolveAlerts marks all open alerts of one type for a subject as
// resolved, returning the number closed. Used by heartbeat receipt to
// reverse an open camera_offline alert.
func (db *DB) ResolveAlerts(ctx context.Context, subjectType SubjectType, subjectID string, alertType AlertType) (int64, error) {
	query := `
		UPDATE alerts
		SET resolved = TRUE
		WHERE subject_type = ? AND subject_id = ? AND alert_type = ? AND resolved = FALSE
	`

	result, err := db.exec(ctx, query, string(subjectType), subjectID, string(alertType))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected, nil
}

// CountOpenAlerts returns the number of unresolved alerts of one type for a
// subject.
func (db *DB) CountOpenAlerts(ctx context.Context, subjectType SubjectType, subjectID string, alertType AlertType) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM alerts
		WHERE subject_type = ? AND subject_id = ? AND alert_type = ? AND resolved = FALSE
	`

	var count int
	err := db.queryRow(ctx, query, string(subjectType), subjectID, string(alertType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open alerts: %w", err)
	}

	return count, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPendingApprovalExists is returned when inserting an approval would
// violate the one-pending-approval-per-entry invariant.
var ErrPendingApprovalExists = errors.New("a pending approval already exists for this entry")

// InsertApproval persists a new approval request. The partial unique index
// on pending approvals per entry backs the exactly-one-PENDING invariant
// when two requests race.
func (db *DB) InsertApproval(ctx context.Context, approval *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (id, entry_id, client_id, method, status, sent_at, responded_at, response_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		approval.ID,
		approval.EntryID,
		approval.ClientID,
		string(approval.Method),
		string(approval.Status),
		approval.SentAt,
		nullableTime(approval.RespondedAt),
		nullableString(approval.ResponsePayload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingApprovalExists
		}
		return fmt.Errorf("failed to insert approval: %w", err)
	}

	return nil
}

// GetApproval loads one approval by identifier.
func (db *DB) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, entry_id, client_id, method, status, sent_at, responded_at, response_payload
		FROM approval_requests
		WHERE id = ?
	`
	return db.scanApproval(db.queryRow(ctx, query, id))
}

// FindPendingApprovalByEntry returns the open approval for an entry, or
// ErrNotFound.
func (db *DB) FindPendingApprovalByEntry(ctx context.Context, entryID string) (*ApprovalRequest, error) {
	query := `
		SELECT id, entry_id, client_id, method, status, sent_at, responded_at, response_payload
		FROM approval_requests
		WHERE entry_id = ? AND status = 'PENDING'
	`
	return db.scanApproval(db.queryRow(ctx, query, entryID))
}

// ResolveApproval moves a PENDING approval into a terminal state as a
// compare-and-swap. It reports whether this call won the resolution; a
// false return with nil error means the approval was already resolved and
// the caller must treat the operation as an idempotent no-op.
func (db *DB) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, respondedAt time.Time, payload *string) (bool, error) {
	query := `
		UPDATE approval_requests
		SET status = ?, responded_at = ?, response_payload = ?
		WHERE id = ? AND status = 'PENDING'
	`

	result, err := db.exec(ctx, query, string(status), respondedAt, nullableString(payload), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// FindExpiredPending returns approvals still PENDING whose sent timestamp is
// older than cutoff, oldest first.
func (db *DB) FindExpiredPending(ctx context.Context, cutoff time.Time) ([]*ApprovalRequest, error) {
	query := `
		SELECT id, entry_id, client_id, method, status, sent_at, responded_at, response_payload
		FROM approval_requests
		WHERE status = 'PENDING' AND sent_at < ?
		ORDER BY sent_at ASC
	`

	rows, err := db.query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*ApprovalRequest
	for rows.Next() {
		approval, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval rows: %w", err)
	}

	return approvals, nil
}

func (db *DB) scanApproval(row *sql.Row) (*ApprovalRequest, error) {
	approval, err := scanApprovalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return approval, err
}

func scanApprovalRow(row rowScanner) (*ApprovalRequest, error) {
	approval := &ApprovalRequest{}
	var (
		method      string
		status      string
		respondedAt sql.NullTime
		payload     sql.NullString
	)

	err := row.Scan(
		&approval.ID,
		&approval.EntryID,
		&approval.ClientID,
		&method,
		&status,
		&approval.SentAt,
		&respondedAt,
		&payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval row: %w", err)
	}

	approval.Method = ApprovalMethod(method)
	approval.Status = ApprovalStatus(status)
	if respondedAt.Valid {
		t := respondedAt.Time
		approval.RespondedAt = &t
	}
	if payload.Valid {
		approval.ResponsePayload = &payload.String
	}

	return approval, nil
}

package durablestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

// ClaimPending atomically claims up to limit Pending records for instanceID,
// ordered by created_at ascending, moving them to Recovering. The select-
// and-update is a single UPDATE ... RETURNING statement against a CTE, so
// partial claims are impossible, and the surrounding BEGIN IMMEDIATE
// transaction (armed via the store's _txlock=immediate DSN option)
// serializes concurrent claimers against the same rows, satisfying spec
// §4.3's exclusive-claim requirement (testable property 3).
func (s *Store) ClaimPending(ctx context.Context, limit int, instanceID string) ([]carmodel.PendingRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("durablestore: claim begin: %w", err)
	}

	now := time.Now().UnixMilli()
	rows, err := tx.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM pending_cars
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT ?
		)
		UPDATE pending_cars
		SET status = 'recovering', recovery_instance = ?, recovery_started_at = ?
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, normalized_make, normalized_model, year, price, location,
			created_at, status, retry_count, recovery_instance, recovery_started_at, redis_job_id
	`, limit, instanceID, now)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("durablestore: claim update: %w", err)
	}

	var out []carmodel.PendingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			tx.Rollback()
			return nil, fmt.Errorf("durablestore: claim scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, fmt.Errorf("durablestore: claim rows: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("durablestore: claim commit: %w", err)
	}
	return out, nil
}

// MarkSent marks each id Sent with the corresponding remote job id, zipped
// by index. Only Recovering or already-Sent rows are updated; a Pending id
// is left unchanged. Idempotent on already-sent ids (testable property 7):
// setting status/remote_job_id on a row already in Sent is a no-op update.
func (s *Store) MarkSent(ctx context.Context, ids []string, jobIDs []string) error {
	if len(ids) != len(jobIDs) {
		return fmt.Errorf("durablestore: MarkSent: ids and jobIDs length mismatch (%d vs %d)", len(ids), len(jobIDs))
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durablestore: MarkSent begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE pending_cars SET status = 'sent', redis_job_id = ? WHERE id = ? AND status IN ('recovering', 'sent')`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("durablestore: MarkSent prepare: %w", err)
	}
	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, jobIDs[i], id); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("durablestore: MarkSent exec %s: %w", id, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("durablestore: MarkSent commit: %w", err)
	}
	return nil
}

// MarkPending reverts each Recovering id to Pending, incrementing
// retry_count; ids in any other status are left unchanged. Used to release
// records a delivery attempt failed to deliver.
func (s *Store) MarkPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durablestore: MarkPending begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE pending_cars
		SET status = 'pending', retry_count = retry_count + 1,
			recovery_instance = NULL, recovery_started_at = NULL
		WHERE id = ? AND status = 'recovering'
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("durablestore: MarkPending prepare: %w", err)
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("durablestore: MarkPending exec %s: %w", id, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("durablestore: MarkPending commit: %w", err)
	}
	return nil
}

// PendingCount returns the count of status=Pending records.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_cars WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("durablestore: PendingCount: %w", err)
	}
	return n, nil
}

// CleanupStaleClaims reverts any Recovering record whose recovery_started_at
// is older than maxAge back to Pending, clearing the claim fields, and
// returns the number of records reverted (testable property 4).
func (s *Store) CleanupStaleClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_cars
		SET status = 'pending', recovery_instance = NULL, recovery_started_at = NULL
		WHERE status = 'recovering' AND recovery_started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("durablestore: CleanupStaleClaims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("durablestore: CleanupStaleClaims rows affected: %w", err)
	}
	return int(n), nil
}

func scanRecord(rows *sql.Rows) (carmodel.PendingRecord, error) {
	var (
		rec              carmodel.PendingRecord
		recoveryInstance sql.NullString
		recoveryStarted  sql.NullInt64
		remoteJobID      sql.NullString
		status           string
	)
	if err := rows.Scan(
		&rec.ID, &rec.Car.NormalizedMake, &rec.Car.NormalizedModel, &rec.Car.Year,
		&rec.Car.Price, &rec.Car.Location, &rec.CreatedAt, &status, &rec.RetryCount,
		&recoveryInstance, &recoveryStarted, &remoteJobID,
	); err != nil {
		return rec, err
	}
	rec.Status = carmodel.Status(status)
	if recoveryInstance.Valid {
		v := recoveryInstance.String
		rec.RecoveryInstance = &v
	}
	if recoveryStarted.Valid {
		v := recoveryStarted.Int64
		rec.RecoveryStartedAt = &v
	}
	if remoteJobID.Valid {
		v := remoteJobID.String
		rec.RemoteJobID = &v
	}
	return rec, nil
}

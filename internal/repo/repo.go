package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stepline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx, so point lookups work in
// read-only and write contexts alike.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const recordColumns = `entity_id, step_id, version, state, completed_at, skipped_at`

func scanRecord(row *sql.Row) (domain.Record, error) {
	var rec domain.Record
	var completedAt, skippedAt sql.NullInt64
	err := row.Scan(&rec.EntityID, &rec.StepID, &rec.Version, &rec.State, &completedAt, &skippedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Int64
	}
	if skippedAt.Valid {
		rec.SkippedAt = &skippedAt.Int64
	}
	return rec, nil
}

// GetRecordQ looks up the at-most-one record for (entityID, stepID) through
// any querier, including an open transaction.
func GetRecordQ(ctx context.Context, q Querier, entityID, stepID string) (domain.Record, error) {
	return scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM onboarding_records WHERE entity_id=? AND step_id=?`,
		entityID, stepID))
}

func (r Repo) GetRecord(ctx context.Context, entityID, stepID string) (domain.Record, error) {
	return GetRecordQ(ctx, r.DB, entityID, stepID)
}

// ListRecords returns all records for an entity, keyed for map lookup by the
// caller. Order is unspecified; the catalog supplies ordering.
func (r Repo) ListRecords(ctx context.Context, entityID string) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM onboarding_records WHERE entity_id=?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var rec domain.Record
		var completedAt, skippedAt sql.NullInt64
		if err := rows.Scan(&rec.EntityID, &rec.StepID, &rec.Version, &rec.State, &completedAt, &skippedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Int64
		}
		if skippedAt.Valid {
			rec.SkippedAt = &skippedAt.Int64
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// MarkRecord writes the completed/skipped fact for one (entity, step) pair:
// insert when absent, patch in place when present. Only the timestamp field
// matching the new state is written; the other one is preserved as history.
func (r Repo) MarkRecord(ctx context.Context, tx *sql.Tx, entityID, stepID, state string, version int, at int64) (domain.Record, error) {
	var completedAt, skippedAt any
	switch state {
	case domain.StateCompleted:
		completedAt = at
	case domain.StateSkipped:
		skippedAt = at
	default:
		return domain.Record{}, fmt.Errorf("state %s is not persistable", state)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO onboarding_records(entity_id, step_id, version, state, completed_at, skipped_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(entity_id, step_id) DO UPDATE SET
  version=excluded.version,
  state=excluded.state,
  completed_at=COALESCE(excluded.completed_at, onboarding_records.completed_at),
  skipped_at=COALESCE(excluded.skipped_at, onboarding_records.skipped_at)`,
		entityID, stepID, version, state, completedAt, skippedAt)
	if err != nil {
		return domain.Record{}, err
	}
	return GetRecordQ(ctx, tx, entityID, stepID)
}

// DeleteRecord removes the record if present. A missing record is not an
// error; reset is idempotent.
func (r Repo) DeleteRecord(ctx context.Context, tx *sql.Tx, entityID, stepID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM onboarding_records WHERE entity_id=? AND step_id=?`, entityID, stepID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeEntity deletes every record for an entity. Collaborator tooling for
// entity deletion; not used by the status read paths.
func (r Repo) PurgeEntity(ctx context.Context, entityID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM onboarding_records WHERE entity_id=?`, entityID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

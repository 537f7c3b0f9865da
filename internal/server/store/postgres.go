package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresProgressStore is the production ProgressStore. Each upsert
// runs in a transaction holding a SELECT ... FOR UPDATE lock on the
// (user_id, book_id) row, so concurrent pushes for the same book are
// strictly serialized while different books proceed in parallel.
type PostgresProgressStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresProgressStore(db *pgxpool.Pool) *PostgresProgressStore {
	return &PostgresProgressStore{db: db, now: time.Now}
}

// Migrate applies the progress schema. Safe to call on every startup.
func (s *PostgresProgressStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying progress schema: %w", err)
	}

	return nil
}

const lockRowSQL = `
SELECT position, percentage, page_number, chapter_id, device_id, updated_at, sync_version, server_synced_at
FROM reading_progress
WHERE user_id = $1 AND book_id = $2
FOR UPDATE`

func (s *PostgresProgressStore) Upsert(ctx context.Context, userID string, in UpsertInput) (UpsertResult, error) {
	now := s.now().UTC()

	if err := ValidateTimestamp(in.UpdatedAt, now); err != nil {
		return UpsertResult{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, found, err := lockRow(ctx, tx, userID, in.BookID)
	if err != nil {
		return UpsertResult{}, err
	}

	if !found {
		// First write for this pair. DO NOTHING covers the race where
		// another transaction commits the row between our empty lock
		// query and this insert; in that case we re-lock and fall
		// through to the normal decision path.
		rec := recordFrom(userID, in, 1, now)

		tag, err := tx.Exec(ctx, `
INSERT INTO reading_progress (user_id, book_id, position, percentage, page_number, chapter_id, device_id, updated_at, sync_version, server_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, book_id) DO NOTHING`,
			rec.UserID, rec.BookID, rec.Position, rec.Percentage, rec.PageNumber,
			rec.ChapterID, rec.DeviceID, rec.UpdatedAt, rec.SyncVersion, rec.ServerSyncedAt,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("inserting progress: %w", err)
		}

		if tag.RowsAffected() == 1 {
			if err := tx.Commit(ctx); err != nil {
				return UpsertResult{}, fmt.Errorf("committing upsert: %w", err)
			}

			return UpsertResult{Updated: true, Record: rec}, nil
		}

		existing, found, err = lockRow(ctx, tx, userID, in.BookID)
		if err != nil {
			return UpsertResult{}, err
		}

		if !found {
			return UpsertResult{}, fmt.Errorf("progress row vanished during insert race for user %s book %s", userID, in.BookID)
		}
	}

	if shouldApply(&existing, in, now) {
		rec := recordFrom(userID, in, existing.SyncVersion+1, now)

		if _, err := tx.Exec(ctx, `
UPDATE reading_progress
SET position = $3, percentage = $4, page_number = $5, chapter_id = $6,
    device_id = $7, updated_at = $8, sync_version = $9, server_synced_at = $10
WHERE user_id = $1 AND book_id = $2`,
			userID, in.BookID, rec.Position, rec.Percentage, rec.PageNumber,
			rec.ChapterID, rec.DeviceID, rec.UpdatedAt, rec.SyncVersion, rec.ServerSyncedAt,
		); err != nil {
			return UpsertResult{}, fmt.Errorf("updating progress: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return UpsertResult{}, fmt.Errorf("committing upsert: %w", err)
		}

		return UpsertResult{Updated: true, Record: rec}, nil
	}

	// Rejected writes still refresh server_synced_at, extending the hot
	// window so the current winner stays sticky against stale bursts.
	if _, err := tx.Exec(ctx, `
UPDATE reading_progress SET server_synced_at = $3
WHERE user_id = $1 AND book_id = $2`,
		userID, in.BookID, now,
	); err != nil {
		return UpsertResult{}, fmt.Errorf("refreshing synced-at: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("committing upsert: %w", err)
	}

	existing.ServerSyncedAt = now

	return UpsertResult{Updated: false, Record: existing}, nil
}

func lockRow(ctx context.Context, tx pgx.Tx, userID, bookID string) (Record, bool, error) {
	rec := Record{UserID: userID, BookID: bookID}

	err := tx.QueryRow(ctx, lockRowSQL, userID, bookID).Scan(
		&rec.Position, &rec.Percentage, &rec.PageNumber, &rec.ChapterID,
		&rec.DeviceID, &rec.UpdatedAt, &rec.SyncVersion, &rec.ServerSyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("locking progress row: %w", err)
	}

	return rec, true, nil
}

func (s *PostgresProgressStore) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	rows, err := s.db.Query(ctx, `
SELECT book_id, position, percentage, page_number, chapter_id, device_id, updated_at, sync_version, server_synced_at
FROM reading_progress
WHERE user_id = $1
ORDER BY updated_at DESC, book_id DESC
LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing progress: %w", err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		rec := Record{UserID: userID}
		if err := rows.Scan(
			&rec.BookID, &rec.Position, &rec.Percentage, &rec.PageNumber,
			&rec.ChapterID, &rec.DeviceID, &rec.UpdatedAt, &rec.SyncVersion, &rec.ServerSyncedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading progress rows: %w", err)
	}

	return out, nil
}

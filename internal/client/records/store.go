// Package records implements the local durable store for naturalist sample
// documents. It is initialized once, eagerly, independent of auth state:
// local-only operation must always work. Replication reads pending local
// edits from here and applies remote documents back into it.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/quackmore/mycoRegister/internal/client/migrations"
	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/common"
	"github.com/quackmore/mycoRegister/internal/dbx"
)

// checkpointID keys the single replication checkpoint row.
const checkpointID = "remote"

// Store is the local record repository over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the local database at dsn and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Pin the pool to one connection so concurrent readers queue behind the
	// replication write transaction instead of failing with SQLITE_BUSY (F6).
	db.SetMaxOpenConns(1)
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces a locally edited record and marks it dirty.
func (s *Store) Upsert(ctx context.Context, r *models.Record) error {
	query := `INSERT INTO records (id, payload, deleted, dirty, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
			deleted = excluded.deleted,
			dirty = 1,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.Payload, r.Deleted, r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetByID returns a single record, tombstones included.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, deleted, dirty, updated_at FROM records WHERE id = ?`, id)
	var r models.Record
	err := row.Scan(&r.ID, &r.Payload, &r.Deleted, &r.Dirty, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetAll lists all non-deleted records.
func (s *Store) GetAll(ctx context.Context) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, deleted, dirty, updated_at FROM records WHERE deleted = 0 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Delete marks a record as a tombstone so the deletion replicates.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted = 1, dirty = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Pending lists up to limit dirty records awaiting push.
func (s *Store) Pending(ctx context.Context, limit int) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, deleted, dirty, updated_at FROM records WHERE dirty = 1 ORDER BY updated_at LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkClean clears the dirty flag after a successful push. Runs in one
// transaction so a partial push failure never half-clears a batch.
func (s *Store) MarkClean(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE records SET dirty = 0 WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRemote writes pulled documents and advances the checkpoint in a
// single transaction. Remote documents land clean (dirty=0) and are applied
// unconditionally: conflict policy is last write wins from the remote store.
func (s *Store) ApplyRemote(ctx context.Context, docs []models.Record, seq int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, r := range docs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO records (id, payload, deleted, dirty, updated_at)
				 VALUES (?, ?, ?, 0, ?)
				 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
					deleted = excluded.deleted,
					dirty = 0,
					updated_at = excluded.updated_at`,
				r.ID, r.Payload, r.Deleted, r.UpdatedAt.UTC())
			if err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (id, seq) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq`,
			checkpointID, seq)
		return err
	})
}

// Checkpoint returns the last pulled remote sequence, zero when none.
func (s *Store) Checkpoint(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM checkpoints WHERE id = ?`, checkpointID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	var result []models.Record
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.Payload, &r.Deleted, &r.Dirty, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

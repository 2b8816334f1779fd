// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"imgbuild/internal/models"
)

const defaultListLimit = 100

// Storage keeps the history of written outputs.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string, log *zap.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// RecordSave inserts one history row. A zero ID or SavedAt is filled in.
func (s *Storage) RecordSave(ctx context.Context, rec models.SaveRecord) error {
	const op = "storage.RecordSave"

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saved_outputs (id, item_id, file_name, file_path, format, original_size, final_size, savings, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))`,
		rec.ID, rec.ItemID, rec.FileName, rec.FilePath, rec.Format,
		rec.OriginalSize, rec.FinalSize, rec.Savings, nullTime(rec))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListRecords returns the newest records first.
func (s *Storage) ListRecords(ctx context.Context, limit int) ([]models.SaveRecord, error) {
	const op = "storage.ListRecords"

	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_id, file_name, file_path, format, original_size, final_size, savings, saved_at
		 FROM saved_outputs ORDER BY saved_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.SaveRecord])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

func nullTime(rec models.SaveRecord) any {
	if rec.SavedAt.IsZero() {
		return nil
	}
	return rec.SavedAt
}

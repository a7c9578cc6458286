package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"analytica-server/internal/domain"
	"analytica-server/internal/repository"
)

const createDatasetsTable = `
CREATE TABLE IF NOT EXISTS datasets (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	stored_name TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	absolute_path TEXT NOT NULL,
	s3_location TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_datasets_user_id ON datasets(user_id);
`

type DatasetRepository struct {
	db *sql.DB
}

func NewDatasetRepository(db *sql.DB) repository.DatasetRepository {
	return &DatasetRepository{db: db}
}

func (r *DatasetRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDatasetsTable); err != nil {
		return fmt.Errorf("create datasets table: %w", err)
	}
	return nil
}

func (r *DatasetRepository) Create(ctx context.Context, ds *domain.Dataset) error {
	ds.CreatedAt = time.Now().UTC()

	if _, err := r.db.ExecContext(ctx, `
INSERT INTO datasets (id, user_id, stored_name, original_name, absolute_path, s3_location, size, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID,
		ds.UserID,
		ds.StoredName,
		ds.OriginalName,
		ds.AbsolutePath,
		ds.S3Location,
		ds.Size,
		ds.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (r *DatasetRepository) GetByStoredName(ctx context.Context, storedName string) (*domain.Dataset, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, stored_name, original_name, absolute_path, s3_location, size, created_at
FROM datasets
WHERE stored_name = ?`,
		storedName,
	)

	var ds domain.Dataset
	if err := row.Scan(
		&ds.ID,
		&ds.UserID,
		&ds.StoredName,
		&ds.OriginalName,
		&ds.AbsolutePath,
		&ds.S3Location,
		&ds.Size,
		&ds.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	return &ds, nil
}

func (r *DatasetRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Dataset, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, stored_name, original_name, absolute_path, s3_location, size, created_at
FROM datasets
WHERE user_id = ?
ORDER BY created_at DESC, stored_name DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	var datasets []domain.Dataset
	for rows.Next() {
		var ds domain.Dataset
		if err := rows.Scan(
			&ds.ID,
			&ds.UserID,
			&ds.StoredName,
			&ds.OriginalName,
			&ds.AbsolutePath,
			&ds.S3Location,
			&ds.Size,
			&ds.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, ds)
	}

	return datasets, rows.Err()
}

func (r *DatasetRepository) UpdateS3Location(ctx context.Context, id, location string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE datasets SET s3_location = ? WHERE id = ?`, location, id)
	if err != nil {
		return fmt.Errorf("update dataset s3 location: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dataset rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *DatasetRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dataset rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

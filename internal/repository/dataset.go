package repository

import (
	"context"

	"analytica-server/internal/domain"
)

// DatasetRepository defines persistence operations for the dataset index.
type DatasetRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, ds *domain.Dataset) error
	GetByStoredName(ctx context.Context, storedName string) (*domain.Dataset, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Dataset, error)
	UpdateS3Location(ctx context.Context, id, location string) error
	Delete(ctx context.Context, id string) error
}

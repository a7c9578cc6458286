package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"analytica-server/internal/domain"
	"analytica-server/internal/repository"
	"analytica-server/internal/storage"
)

var (
	// ErrNoFile indicates the request carried no file payload.
	ErrNoFile = errors.New("no file provided")
	// ErrUnsupportedType indicates the uploaded file's extension is not allowed.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrDatasetNotFound indicates no dataset exists under the given name.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrNotOwner indicates the dataset belongs to a different user.
	ErrNotOwner = errors.New("dataset owned by another user")
	// ErrNotMirrored indicates the dataset has no remote copy.
	ErrNotMirrored = errors.New("dataset not mirrored to remote storage")
	// ErrMirrorDisabled indicates no remote storage is configured at all.
	ErrMirrorDisabled = errors.New("remote storage not configured")
)

// allowedExtensions is the set of dataset formats the analytics service understands.
var allowedExtensions = map[string]struct{}{
	".csv":  {},
	".xlsx": {},
	".json": {},
}

// DatasetService persists uploaded data files and resolves them for later
// analyze/predict calls. Paths always come from the index, never from clients.
type DatasetService interface {
	Store(ctx context.Context, userID int64, fieldName, originalName string, r io.Reader) (*domain.Dataset, error)
	Resolve(ctx context.Context, userID int64, storedName string) (*domain.Dataset, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Dataset, error)
	Delete(ctx context.Context, userID int64, storedName string) error
	MirrorURL(ctx context.Context, userID int64, storedName string, expires time.Duration) (string, error)
	ListMirrorObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

type datasetService struct {
	datasets  repository.DatasetRepository
	uploadDir string
	store     storage.Service
	storeOpts storage.UploadOptions
	logger    *logrus.Logger
}

// NewDatasetService builds a dataset service writing into uploadDir. store may
// be nil, in which case remote mirroring is disabled.
func NewDatasetService(datasets repository.DatasetRepository, uploadDir string, store storage.Service, storeOpts storage.UploadOptions, logger *logrus.Logger) DatasetService {
	if logger == nil {
		logger = logrus.New()
	}
	return &datasetService{
		datasets:  datasets,
		uploadDir: uploadDir,
		store:     store,
		storeOpts: storeOpts,
		logger:    logger,
	}
}

func (s *datasetService) Store(ctx context.Context, userID int64, fieldName, originalName string, r io.Reader) (*domain.Dataset, error) {
	if r == nil || strings.TrimSpace(originalName) == "" {
		return nil, ErrNoFile
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if _, ok := allowedExtensions[ext]; !ok {
		return nil, ErrUnsupportedType
	}
	if fieldName == "" {
		fieldName = "dataFile"
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	storedName := fmt.Sprintf("%s-%d-%d%s", fieldName, time.Now().UnixMilli(), rand.Int64N(1_000_000_000), ext)
	absPath, err := filepath.Abs(filepath.Join(s.uploadDir, storedName))
	if err != nil {
		return nil, fmt.Errorf("resolve upload path: %w", err)
	}

	size, err := writeFile(absPath, r)
	if err != nil {
		return nil, fmt.Errorf("persist upload: %w", err)
	}

	ds := &domain.Dataset{
		ID:           uuid.NewString(),
		UserID:       userID,
		StoredName:   storedName,
		OriginalName: originalName,
		AbsolutePath: absPath,
		Size:         size,
	}
	if err := s.datasets.Create(ctx, ds); err != nil {
		// keep disk and index consistent
		_ = os.Remove(absPath)
		return nil, err
	}

	s.mirror(ctx, ds)

	return ds, nil
}

// mirror copies the stored file to remote object storage. Failures are logged
// and never surfaced: the upload itself has already succeeded.
func (s *datasetService) mirror(ctx context.Context, ds *domain.Dataset) {
	if s.store == nil || s.storeOpts.Bucket == "" {
		return
	}

	location, err := s.store.UploadFile(ctx, ds.AbsolutePath, ds.StoredName, s.storeOpts)
	if err != nil {
		s.logger.Warnf("mirror dataset %s: %v", ds.StoredName, err)
		return
	}
	if err := s.datasets.UpdateS3Location(ctx, ds.ID, location); err != nil {
		s.logger.Warnf("record mirror location for %s: %v", ds.StoredName, err)
		return
	}
	ds.S3Location = location
}

func (s *datasetService) Resolve(ctx context.Context, userID int64, storedName string) (*domain.Dataset, error) {
	ds, err := s.datasets.GetByStoredName(ctx, storedName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDatasetNotFound
		}
		return nil, err
	}
	if ds.UserID != userID {
		return nil, ErrNotOwner
	}
	return ds, nil
}

func (s *datasetService) ListByUser(ctx context.Context, userID int64) ([]domain.Dataset, error) {
	return s.datasets.ListByUser(ctx, userID)
}

// Delete removes the dataset everywhere: remote mirror, local disk, index
// row. Mirror cleanup is best-effort; local and index removal are not.
func (s *datasetService) Delete(ctx context.Context, userID int64, storedName string) error {
	ds, err := s.Resolve(ctx, userID, storedName)
	if err != nil {
		return err
	}

	if s.store != nil && ds.S3Location != "" {
		bucket, key, err := storage.SplitLocation(ds.S3Location)
		if err != nil {
			s.logger.Warnf("parse mirror location for %s: %v", ds.StoredName, err)
		} else if err := s.store.DeletePrefix(ctx, bucket, key); err != nil {
			s.logger.Warnf("delete mirror for %s: %v", ds.StoredName, err)
		}
	}

	if err := os.Remove(ds.AbsolutePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove local file: %w", err)
	}

	return s.datasets.Delete(ctx, ds.ID)
}

// ListMirrorObjects lists objects under the configured bucket. An empty
// prefix defaults to the configured key prefix.
func (s *datasetService) ListMirrorObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if s.store == nil || s.storeOpts.Bucket == "" {
		return nil, ErrMirrorDisabled
	}
	if prefix == "" {
		prefix = s.storeOpts.KeyPrefix
	}
	return s.store.ListObjects(ctx, s.storeOpts.Bucket, prefix)
}

func (s *datasetService) MirrorURL(ctx context.Context, userID int64, storedName string, expires time.Duration) (string, error) {
	ds, err := s.Resolve(ctx, userID, storedName)
	if err != nil {
		return "", err
	}
	if s.store == nil || ds.S3Location == "" {
		return "", ErrNotMirrored
	}

	bucket, key, err := storage.SplitLocation(ds.S3Location)
	if err != nil {
		return "", err
	}
	return s.store.GetObjectURL(ctx, bucket, key, expires)
}

func writeFile(path string, r io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(dst, r)
	if err != nil {
		dst.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		return 0, err
	}
	return size, nil
}

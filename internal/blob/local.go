package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
)

const driverLocal = "local"

var errMissingBasePath = errors.New("blob: local storage path is required")

// LocalStore keeps attachments on the local filesystem, one file per public id.
type LocalStore struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalStore creates the storage directory when needed.
func NewLocalStore(basePath string, logger *zap.Logger) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errMissingBasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create local storage directory: %w", err)
	}
	store := &LocalStore{
		basePath: basePath,
		logger:   logger.With(zap.String("component", "local-blob-store")),
	}
	store.logger.Info("local blob storage initialized", zap.String("path", basePath))
	return store, nil
}

// Upload writes the file atomically under a fresh public id.
func (l *LocalStore) Upload(ctx context.Context, file File) (object Object, err error) {
	started := time.Now()
	defer func() {
		metrics.RecordBlobOperation(driverLocal, "upload", metrics.StatusOf(err), time.Since(started).Seconds())
	}()

	if len(file.Data) == 0 {
		return Object{}, ErrEmptyFile
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	publicID := NewPublicID()
	fullPath := filepath.Join(l.basePath, publicID)

	temp, err := os.CreateTemp(l.basePath, ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("blob: create temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(file.Data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return Object{}, fmt.Errorf("blob: write file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return Object{}, fmt.Errorf("blob: close file: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return Object{}, fmt.Errorf("blob: move file into place: %w", err)
	}

	l.logger.Debug("file uploaded to local storage",
		zap.String("public_id", publicID),
		zap.Int("bytes", len(file.Data)))

	return Object{
		StoragePath: filepath.ToSlash(filepath.Join(driverLocal, publicID)),
		PublicID:    publicID,
		FileType:    DetectFileType(file.Data, file.ContentType),
		Size:        int64(len(file.Data)),
	}, nil
}

// Delete removes the file. Deleting a missing file is not an error.
func (l *LocalStore) Delete(ctx context.Context, publicID string) (err error) {
	started := time.Now()
	defer func() {
		metrics.RecordBlobOperation(driverLocal, "delete", metrics.StatusOf(err), time.Since(started).Seconds())
	}()

	if err := ValidatePublicID(publicID); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.basePath, publicID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete file: %w", err)
	}
	return nil
}

// Open returns a reader for the stored file and its detected content type.
func (l *LocalStore) Open(ctx context.Context, publicID string) (io.ReadCloser, string, error) {
	if err := ValidatePublicID(publicID); err != nil {
		return nil, "", err
	}
	fullPath := filepath.Join(l.basePath, publicID)
	contentType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(fullPath); err == nil {
		contentType = detected.String()
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("blob: open file: %w", err)
	}
	return file, contentType, nil
}

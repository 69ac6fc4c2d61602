package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
)

const (
	driverS3          = "s3"
	s3KeyPrefix       = "attachments/"
	metadataFileName  = "file-name"
	defaultS3Region   = "us-east-1"
	defaultS3Timeout  = 30 * time.Second
	s3StoragePathForm = "s3://%s/%s"
)

var errStorageDisabled = errors.New("blob: s3 storage is not configured; set storage.s3.bucket and credentials")

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps attachments in an S3-compatible bucket under attachments/<public id>.
type S3Store struct {
	bucket   string
	client   *s3.Client
	logger   *zap.Logger
	disabled bool
}

// NewS3Store builds the client. Missing bucket or credentials yield a disabled
// store whose operations fail with a configuration error.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &S3Store{
		bucket: strings.TrimSpace(cfg.Bucket),
		logger: logger.With(zap.String("component", "s3-blob-store")),
	}

	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := strings.TrimSpace(cfg.SecretAccessKey)
	if store.bucket == "" || accessKey == "" || secretKey == "" {
		store.logger.Warn("s3 bucket or credentials are not set; attachment uploads will fail until configured")
		store.disabled = true
		return store, nil
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultS3Region
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	store.logger.Info("s3 blob storage initialized", zap.String("bucket", store.bucket))
	return store, nil
}

func (s *S3Store) ensureEnabled() error {
	if s.disabled {
		return errStorageDisabled
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, file File) (object Object, err error) {
	started := time.Now()
	defer func() {
		metrics.RecordBlobOperation(driverS3, "upload", metrics.StatusOf(err), time.Since(started).Seconds())
	}()

	if err := s.ensureEnabled(); err != nil {
		return Object{}, err
	}
	if len(file.Data) == 0 {
		return Object{}, ErrEmptyFile
	}

	publicID := NewPublicID()
	key := s3KeyPrefix + publicID
	fileType := DetectFileType(file.Data, file.ContentType)

	uploadCtx, cancel := context.WithTimeout(ctx, defaultS3Timeout)
	defer cancel()
	_, err = s.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(file.Data),
		ContentLength: aws.Int64(int64(len(file.Data))),
		ContentType:   aws.String(fileType),
		Metadata:      map[string]string{metadataFileName: url.QueryEscape(file.Name)},
	})
	if err != nil {
		return Object{}, fmt.Errorf("blob: put object: %w", err)
	}

	return Object{
		StoragePath: fmt.Sprintf(s3StoragePathForm, s.bucket, key),
		PublicID:    publicID,
		FileType:    fileType,
		Size:        int64(len(file.Data)),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, publicID string) (err error) {
	started := time.Now()
	defer func() {
		metrics.RecordBlobOperation(driverS3, "delete", metrics.StatusOf(err), time.Since(started).Seconds())
	}()

	if err := s.ensureEnabled(); err != nil {
		return err
	}
	if err := ValidatePublicID(publicID); err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3KeyPrefix + publicID),
	})
	if err != nil {
		return fmt.Errorf("blob: delete object: %w", err)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, publicID string) (io.ReadCloser, string, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, "", err
	}
	if err := ValidatePublicID(publicID); err != nil {
		return nil, "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3KeyPrefix + publicID),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("blob: get object: %w", err)
	}
	contentType := "application/octet-stream"
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return out.Body, contentType, nil
}

// Health performs a HeadBucket request.
func (s *S3Store) Health(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

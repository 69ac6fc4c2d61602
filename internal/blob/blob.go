package blob

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
)

const publicIDPrefix = "att_"

var (
	// ErrNotFound indicates that no object exists for the public id.
	ErrNotFound = errors.New("blob: object not found")
	// ErrInvalidPublicID indicates a malformed public id.
	ErrInvalidPublicID = errors.New("blob: invalid public id")
	// ErrEmptyFile indicates an upload without content.
	ErrEmptyFile = errors.New("blob: file is empty")
)

// File is an attachment payload handed to a Store.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Object describes an uploaded blob.
type Object struct {
	StoragePath string
	PublicID    string
	FileType    string
	Size        int64
}

// Store uploads and removes attachment blobs.
type Store interface {
	Upload(ctx context.Context, file File) (Object, error)
	Delete(ctx context.Context, publicID string) error
	Open(ctx context.Context, publicID string) (io.ReadCloser, string, error)
}

var (
	entropyMu   sync.Mutex
	entropyOnce sync.Once
	entropy     *ulid.MonotonicEntropy
)

func newEntropy() *ulid.MonotonicEntropy {
	entropyOnce.Do(func() {
		source := rand.NewSource(time.Now().UnixNano())
		entropy = ulid.Monotonic(rand.New(source), 0)
	})
	return entropy
}

// NewPublicID returns an att_* ULID string.
func NewPublicID() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), newEntropy())
	entropyMu.Unlock()
	return publicIDPrefix + strings.ToLower(id.String())
}

// ValidatePublicID ensures the value is an att_* ULID. Stores key objects by
// public id so this also keeps paths from escaping the storage root.
func ValidatePublicID(value string) error {
	if !strings.HasPrefix(value, publicIDPrefix) {
		return ErrInvalidPublicID
	}
	if _, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(value, publicIDPrefix))); err != nil {
		return ErrInvalidPublicID
	}
	return nil
}

// DetectFileType sniffs the MIME type of data, falling back to the declared type.
func DetectFileType(data []byte, declared string) string {
	detected := mimetype.Detect(data)
	if detected != nil && detected.String() != "application/octet-stream" {
		return detected.String()
	}
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	return "application/octet-stream"
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
)

var errUploadRejected = errors.New("upload rejected")

type fakeBlobStore struct {
	mu        sync.Mutex
	uploadErr error
	deleteErr error
	uploaded  []string
	deleted   []string
	sequence  int
}

func (f *fakeBlobStore) Upload(_ context.Context, file blob.File) (blob.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return blob.Object{}, f.uploadErr
	}
	f.sequence++
	publicID := fmt.Sprintf("att_test_%d", f.sequence)
	f.uploaded = append(f.uploaded, publicID)
	return blob.Object{
		StoragePath: "local/" + publicID,
		PublicID:    publicID,
		FileType:    blob.DetectFileType(file.Data, file.ContentType),
		Size:        int64(len(file.Data)),
	}, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, publicID)
	return f.deleteErr
}

func (f *fakeBlobStore) Open(context.Context, string) (io.ReadCloser, string, error) {
	return nil, "", blob.ErrNotFound
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

// Now advances a microsecond per call so successive requests never tie.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:wiremess_chat_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &Attachment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeBlobStore) {
	t.Helper()

	db := newTestDatabase(t)
	blobs := &fakeBlobStore{}
	service, err := NewService(ServiceConfig{
		Store: NewGormStore(db),
		Blobs: blobs,
		Clock: newTestClock().Now,
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	return service, db, blobs
}

func mustConversation(t *testing.T, service *Service, name string) Conversation {
	t.Helper()
	conversation, err := service.CreateConversation(context.Background(), ConversationRequest{Name: name})
	if err != nil {
		t.Fatalf("unexpected conversation error: %v", err)
	}
	return conversation
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func pngBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
}

// blockingBlobStore parks every upload until release is closed.
type blockingBlobStore struct {
	fakeBlobStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingBlobStore() *blockingBlobStore {
	return &blockingBlobStore{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingBlobStore) Upload(ctx context.Context, file blob.File) (blob.Object, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.fakeBlobStore.Upload(ctx, file)
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

const testUserHeader = "X-Test-User"

var errOutboxFull = errors.New("outbox full")

type headerVerifier struct{}

func (headerVerifier) Resolve(_ context.Context, r *http.Request) (presence.Identity, error) {
	raw := r.Header.Get(testUserHeader)
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return presence.Identity{}, errors.New("missing test identity")
	}
	return presence.Identity{UserID: userID, Username: "user-" + raw}, nil
}

type channelOutbox struct {
	events chan []byte
}

func newChannelOutbox() *channelOutbox {
	return &channelOutbox{events: make(chan []byte, 64)}
}

func (o *channelOutbox) Send(payload []byte) error {
	select {
	case o.events <- payload:
		return nil
	default:
		return errOutboxFull
	}
}

// drain returns every event currently queued.
func (o *channelOutbox) drain(t *testing.T) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case payload := <-o.events:
			var event Event
			if err := json.Unmarshal(payload, &event); err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventsOfType(events []Event, eventType EventType) []Event {
	var matched []Event
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type failingBlobStore struct{}

func (failingBlobStore) Upload(context.Context, blob.File) (blob.Object, error) {
	return blob.Object{}, errors.New("storage offline")
}

func (failingBlobStore) Delete(context.Context, string) error {
	return nil
}

type harness struct {
	db         *gorm.DB
	registry   *presence.Registry
	controller *Controller
	service    *chat.Service
}

func newHarness(t *testing.T, blobs chat.BlobStore) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:wiremess_realtime_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}, &chat.Attachment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if blobs == nil {
		local, err := blob.NewLocalStore(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("failed to create local blob store: %v", err)
		}
		blobs = local
	}
	service, err := chat.NewService(chat.ServiceConfig{Store: chat.NewGormStore(db), Blobs: blobs})
	if err != nil {
		t.Fatalf("failed to create chat service: %v", err)
	}
	registry, err := presence.NewRegistry(service, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	controller, err := NewController(ControllerConfig{
		Verifier:   headerVerifier{},
		Registry:   registry,
		Messages:   service,
		Dispatcher: NewDispatcher(registry, nil),
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return &harness{db: db, registry: registry, controller: controller, service: service}
}

func (h *harness) conversation(t *testing.T, id int64) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	if err := h.db.Create(&chat.Conversation{ID: id, LastMessageAt: now, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
}

func (h *harness) connect(t *testing.T, userID int64) (*Session, *channelOutbox) {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set(testUserHeader, strconv.FormatInt(userID, 10))
	outbox := newChannelOutbox()
	session, err := h.controller.Connect(context.Background(), request, outbox)
	if err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	return session, outbox
}

func mustHandle(t *testing.T, session *Session, command Command) {
	t.Helper()
	if err := session.Handle(context.Background(), command); err != nil {
		t.Fatalf("unexpected %s error: %v", command.Type, err)
	}
}

func (h *harness) messageCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&chat.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	return count
}

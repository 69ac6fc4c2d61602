package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/wiremess/internal/auth"
	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/database"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
	"github.com/MarcoPoloResearchLab/wiremess/internal/users"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "wiremess_session"
	eventWait         = 2 * time.Second
)

type testServer struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	chat   *chat.Service
	users  *users.Service
	db     *gorm.DB
}

type serverOptions struct {
	blobs        chat.BlobStore
	logger       *zap.Logger
	pingInterval time.Duration
}

func newTestServer(t *testing.T, options serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:wiremess_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	local, err := blob.NewLocalStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	blobs := options.blobs
	if blobs == nil {
		blobs = local
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pingInterval := options.pingInterval
	if pingInterval <= 0 {
		pingInterval = time.Second
	}

	chatService, err := chat.NewService(chat.ServiceConfig{Store: chat.NewGormStore(db), Blobs: blobs, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create chat service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "wiremess-auth",
		Audience:      "wiremess-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	verifier, err := auth.NewHandshakeVerifier(issuer, testCookieName)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	registry, err := presence.NewRegistry(chatService, logger)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	controller, err := realtime.NewController(realtime.ControllerConfig{
		Verifier:   verifier,
		Registry:   registry,
		Messages:   chatService,
		Dispatcher: realtime.NewDispatcher(registry, logger),
		Activity:   userService,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:       verifier,
		Chat:           chatService,
		Controller:     controller,
		Attachments:    local,
		Users:          userService,
		HealthCheck:    sqlDB.PingContext,
		UploadMaxBytes: 1 << 20,
		WebSocket:      WebSocketSettings{SendBuffer: 16, PingInterval: pingInterval},
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, chat: chatService, users: userService, db: db}
}

func (s *testServer) token(t *testing.T, userID int64, username string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), presence.Identity{UserID: userID, Username: username})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) conversation(t *testing.T) chat.Conversation {
	t.Helper()
	conversation, err := s.chat.CreateConversation(context.Background(), chat.ConversationRequest{Name: "general"})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conversation
}

func (s *testServer) do(t *testing.T, method, path, token, contentType string, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?access_token=" + token
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("failed to dial websocket (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func writeCommand(t *testing.T, conn *websocket.Conn, command realtime.Command) {
	t.Helper()
	if err := conn.WriteJSON(command); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// readEvent returns the next event of the wanted type, skipping others.
func readEvent(t *testing.T, conn *websocket.Conn, want realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.Now().Add(eventWait)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("failed to set deadline: %v", err)
		}
		var event realtime.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("failed waiting for %s: %v", want, err)
		}
		if event.Type == want {
			return event
		}
	}
}

// join joins the conversation and waits until the server has processed it.
// Commands on one connection run in order, so the reply to a trailing unknown
// command marks the join as done.
func join(t *testing.T, conn *websocket.Conn, conversationID int64) {
	t.Helper()
	writeCommand(t, conn, realtime.Command{Type: realtime.CommandJoinConversation, ConversationID: conversationID})
	writeCommand(t, conn, realtime.Command{Type: "Sync", RequestID: "sync"})
	if event := readEvent(t, conn, realtime.EventError); event.RequestID != "sync" {
		t.Fatalf("unexpected error while joining: %#v", event.Error)
	}
}

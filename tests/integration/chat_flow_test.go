package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/auth"
	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/database"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
	"github.com/MarcoPoloResearchLab/wiremess/internal/server"
	"github.com/MarcoPoloResearchLab/wiremess/internal/users"
)

const (
	signingSecret = "integration-secret"
	cookieName    = "wiremess_session"
	readTimeout   = 3 * time.Second
)

type stack struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func startStack(t *testing.T, databasePath, storagePath string) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(databasePath, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	blobs, err := blob.NewLocalStore(storagePath, logger)
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Store: chat.NewGormStore(db), Blobs: blobs, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "wiremess-auth",
		Audience:      "wiremess-api",
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := auth.NewHandshakeVerifier(issuer, cookieName)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	registry, err := presence.NewRegistry(chatService, logger)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
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
		t.Fatalf("failed to build controller: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Chat:           chatService,
		Controller:     controller,
		Attachments:    blobs,
		Users:          userService,
		HealthCheck:    sqlDB.PingContext,
		UploadMaxBytes: 1 << 20,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &stack{server: testServer, issuer: issuer}
}

func (s *stack) token(t *testing.T, userID int64, username string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), presence.Identity{UserID: userID, Username: username})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *stack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *stack) createConversation(t *testing.T, token string) chat.Conversation {
	t.Helper()
	request, _ := http.NewRequest(http.MethodPost, s.server.URL+"/conversations", strings.NewReader(`{"name":"launch"}`))
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status %d", response.StatusCode)
	}
	var conversation chat.Conversation
	if err := json.NewDecoder(response.Body).Decode(&conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	return conversation
}

func (s *stack) history(t *testing.T, token string, conversationID int64) []chat.Message {
	t.Helper()
	request, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/conversations/%d/messages", s.server.URL, conversationID), http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer response.Body.Close()
	var payload struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	return payload.Messages
}

func expectEvent(t *testing.T, conn *websocket.Conn, want realtime.EventType) realtime.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	for {
		var event realtime.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("failed waiting for %s: %v", want, err)
		}
		if event.Type == want {
			return event
		}
	}
}

func joinAndSync(t *testing.T, conn *websocket.Conn, conversationID int64) {
	t.Helper()
	if err := conn.WriteJSON(realtime.Command{Type: realtime.CommandJoinConversation, ConversationID: conversationID}); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	if err := conn.WriteJSON(realtime.Command{Type: "Sync", RequestID: "sync"}); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}
	if event := expectEvent(t, conn, realtime.EventError); event.RequestID != "sync" {
		t.Fatalf("unexpected error while joining: %#v", event.Error)
	}
}

func TestChatFlowSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	databasePath := filepath.Join(dataDir, "wiremess.db")
	storagePath := filepath.Join(dataDir, "attachments")

	first := startStack(t, databasePath, storagePath)
	aliceToken := first.token(t, 1, "alice")
	bobToken := first.token(t, 2, "bob")
	conversation := first.createConversation(t, aliceToken)

	alice := first.dial(t, aliceToken)
	bob := first.dial(t, bobToken)
	joinAndSync(t, alice, conversation.ID)
	joinAndSync(t, bob, conversation.ID)

	if err := alice.WriteJSON(realtime.Command{
		Type:           realtime.CommandSendMessage,
		RequestID:      "launch-photo",
		ConversationID: conversation.ID,
		Content:        "launch day",
		Attachment: &realtime.AttachmentCommand{
			FileName: "launch.txt",
			Data:     []byte("countdown"),
		},
	}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	text := expectEvent(t, bob, realtime.EventReceiveMessage)
	attachment := expectEvent(t, bob, realtime.EventReceiveMessage)
	if text.Message.Content == nil || *text.Message.Content != "launch day" {
		t.Fatalf("expected text first, got %#v", text.Message)
	}
	if attachment.Message.Attachment == nil || attachment.Message.Attachment.FileName != "launch.txt" {
		t.Fatalf("expected attachment second, got %#v", attachment.Message)
	}
	if attachment.Message.Seq != text.Message.Seq+1 || !attachment.Message.CreatedAt.After(text.Message.CreatedAt) {
		t.Fatalf("expected attachment to follow text, got seq %d/%d", text.Message.Seq, attachment.Message.Seq)
	}

	_ = alice.Close()
	_ = bob.Close()
	first.server.Close()

	second := startStack(t, databasePath, storagePath)
	history := second.history(t, second.token(t, 2, "bob"), conversation.ID)
	if len(history) != 2 {
		t.Fatalf("expected two persisted messages, got %d", len(history))
	}
	if history[0].ID != attachment.Message.ID || history[1].ID != text.Message.ID {
		t.Fatalf("expected newest-first history, got %#v", history)
	}
}

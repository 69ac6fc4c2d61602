package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
)

func TestWebSocketRejectsHandshakeWithoutToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"

	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %#v", response)
	}
}

func TestWebSocketConversationFlow(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	conversation := ts.conversation(t)

	alice := ts.dial(t, ts.token(t, 1, "alice"))
	bob := ts.dial(t, ts.token(t, 2, "bob"))

	join(t, alice, conversation.ID)
	join(t, bob, conversation.ID)

	joined := readEvent(t, alice, realtime.EventUserJoined)
	if joined.Member == nil || joined.Member.UserID != 2 || joined.Member.Username != "bob" || joined.ConversationID != conversation.ID {
		t.Fatalf("unexpected join event %#v", joined)
	}

	writeCommand(t, bob, realtime.Command{
		Type:           realtime.CommandSendMessage,
		RequestID:      "send-1",
		ConversationID: conversation.ID,
		Content:        "hi alice",
	})
	for _, conn := range []*websocket.Conn{alice, bob} {
		received := readEvent(t, conn, realtime.EventReceiveMessage)
		if received.Message == nil || received.Message.Content == nil || *received.Message.Content != "hi alice" {
			t.Fatalf("unexpected message event %#v", received)
		}
		if received.Message.SenderID != 2 {
			t.Fatalf("expected sender 2, got %d", received.Message.SenderID)
		}
	}

	response := ts.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conversation.ID),
		ts.token(t, 1, "alice"), jsonContentType, `{"content":"from http"}`)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", response.StatusCode)
	}
	fromHTTP := readEvent(t, bob, realtime.EventReceiveMessage)
	if fromHTTP.Message == nil || *fromHTTP.Message.Content != "from http" {
		t.Fatalf("expected http send to reach websocket members, got %#v", fromHTTP)
	}

	writeCommand(t, bob, realtime.Command{
		Type:      realtime.CommandDeleteMessage,
		RequestID: "delete-foreign",
		MessageID: fromHTTP.Message.ID,
	})
	denied := readEvent(t, bob, realtime.EventError)
	if denied.RequestID != "delete-foreign" || denied.Error.Reason != realtime.ReasonForbidden {
		t.Fatalf("expected forbidden reply, got %#v", denied)
	}

	if err := bob.Close(); err != nil {
		t.Fatalf("failed to close bob: %v", err)
	}
	left := readEvent(t, alice, realtime.EventUserLeft)
	if left.Member == nil || left.Member.UserID != 2 {
		t.Fatalf("unexpected leave event %#v", left)
	}

	deadline := time.Now().Add(eventWait)
	for {
		user, err := ts.users.GetUser(context.Background(), 2)
		if err == nil && !user.IsOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected bob to be marked offline, got %#v (%v)", user, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRepliesToMalformedFrames(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	conn := ts.dial(t, ts.token(t, 1, "alice"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	reply := readEvent(t, conn, realtime.EventError)
	if reply.Error == nil || reply.Error.Reason != realtime.ReasonMalformedCommand {
		t.Fatalf("unexpected reply %#v", reply)
	}

	writeCommand(t, conn, realtime.Command{Type: realtime.CommandJoinConversation, RequestID: "join-missing", ConversationID: 777})
	missing := readEvent(t, conn, realtime.EventError)
	if missing.RequestID != "join-missing" || missing.Error.Reason != realtime.ReasonNotFound {
		t.Fatalf("expected not_found reply, got %#v", missing)
	}
}

// slowBlobStore holds every upload longer than the pong deadline.
type slowBlobStore struct {
	delay time.Duration
}

func (s slowBlobStore) Upload(_ context.Context, file blob.File) (blob.Object, error) {
	time.Sleep(s.delay)
	return blob.Object{
		StoragePath: "local/att_slow",
		PublicID:    "att_slow",
		FileType:    blob.DetectFileType(file.Data, file.ContentType),
		Size:        int64(len(file.Data)),
	}, nil
}

func (slowBlobStore) Delete(context.Context, string) error {
	return nil
}

func TestWebSocketSurvivesUploadLongerThanPongWait(t *testing.T) {
	pingInterval := 100 * time.Millisecond
	ts := newTestServer(t, serverOptions{
		blobs:        slowBlobStore{delay: 5 * pingInterval},
		pingInterval: pingInterval,
	})
	conversation := ts.conversation(t)
	alice := ts.dial(t, ts.token(t, 1, "alice"))
	join(t, alice, conversation.ID)

	writeCommand(t, alice, realtime.Command{
		Type:           realtime.CommandSendMessage,
		RequestID:      "slow-upload",
		ConversationID: conversation.ID,
		Attachment:     &realtime.AttachmentCommand{FileName: "big.bin", Data: []byte("payload")},
	})
	received := readEvent(t, alice, realtime.EventReceiveMessage)
	if received.Message == nil || received.Message.Attachment == nil {
		t.Fatalf("expected attachment message, got %#v", received)
	}

	writeCommand(t, alice, realtime.Command{Type: "Sync", RequestID: "after-upload"})
	if reply := readEvent(t, alice, realtime.EventError); reply.RequestID != "after-upload" {
		t.Fatalf("expected connection to stay open after slow upload, got %#v", reply)
	}
}

func TestSocketOutboxNeverBlocks(t *testing.T) {
	outbox := newSocketOutbox(1)
	if err := outbox.Send([]byte("first")); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if err := outbox.Send([]byte("second")); !errors.Is(err, errOutboxFull) {
		t.Fatalf("expected full outbox, got %v", err)
	}
	outbox.close()
	outbox.close()
	if err := outbox.Send([]byte("third")); !errors.Is(err, errOutboxClosed) {
		t.Fatalf("expected closed outbox, got %v", err)
	}
	if payload := <-outbox.send; string(payload) != "first" {
		t.Fatalf("expected queued payload to drain, got %q", payload)
	}
}

func TestWebSocketSettingsDefaults(t *testing.T) {
	settings := WebSocketSettings{}.withDefaults()
	if settings.SendBuffer != defaultSendBuffer || settings.MaxMessageBytes != defaultMaxMessageBytes || settings.PingInterval != defaultPingInterval {
		t.Fatalf("unexpected defaults %#v", settings)
	}
}

package realtime

import (
	"time"

	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

// EventType names an outbound event.
type EventType string

const (
	EventReceiveMessage EventType = "ReceiveMessage"
	EventMessageUpdated EventType = "MessageUpdated"
	EventMessageDeleted EventType = "MessageDeleted"
	EventUserJoined     EventType = "UserJoinedConversation"
	EventUserLeft       EventType = "UserLeftConversation"
	EventError          EventType = "Error"
)

// CommandType names an inbound client command.
type CommandType string

const (
	CommandJoinConversation  CommandType = "JoinConversation"
	CommandLeaveConversation CommandType = "LeaveConversation"
	CommandSendMessage       CommandType = "SendMessage"
	CommandUpdateMessage     CommandType = "UpdateMessage"
	CommandDeleteMessage     CommandType = "DeleteMessage"
)

// Error reasons sent to the calling connection.
const (
	ReasonValidation       = "validation_error"
	ReasonUnauthorized     = "unauthorized"
	ReasonForbidden        = "forbidden"
	ReasonNotFound         = "not_found"
	ReasonUploadFailed     = "attachment_upload_failed"
	ReasonStoreFailure     = "store_failure"
	ReasonInvalidState     = "invalid_state"
	ReasonUnknownCommand   = "unknown_command"
	ReasonMalformedCommand = "malformed_command"
	ReasonInternal         = "internal_error"
)

// Event is the JSON envelope delivered to connections.
type Event struct {
	Type           EventType      `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	ConversationID int64          `json:"conversation_id,omitempty"`
	Message        *chat.Message  `json:"message,omitempty"`
	Member         *MemberPayload `json:"member,omitempty"`
	Error          *ErrorPayload  `json:"error,omitempty"`

	// Origin is the connection that caused a member event; it is not notified.
	Origin presence.ConnectionID `json:"-"`
}

// MemberPayload describes a join or leave.
type MemberPayload struct {
	UserID         int64     `json:"user_id"`
	Username       string    `json:"username"`
	ConversationID int64     `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorPayload describes a failed command.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e Event) isMemberEvent() bool {
	return e.Type == EventUserJoined || e.Type == EventUserLeft
}

// Command is the JSON envelope received from connections.
type Command struct {
	Type           CommandType        `json:"type"`
	RequestID      string             `json:"request_id,omitempty"`
	ConversationID int64              `json:"conversation_id,omitempty"`
	MessageID      int64              `json:"message_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	Attachment     *AttachmentCommand `json:"attachment,omitempty"`
}

// AttachmentCommand carries an inline attachment; Data is base64 on the wire.
type AttachmentCommand struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

func messageEvent(eventType EventType, message chat.Message) Event {
	return Event{
		Type:           eventType,
		ConversationID: message.ConversationID,
		Message:        &message,
	}
}

func memberEvent(eventType EventType, origin presence.ConnectionID, identity presence.Identity, conversationID int64, at time.Time) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		Origin:         origin,
		Member: &MemberPayload{
			UserID:         identity.UserID,
			Username:       identity.Username,
			ConversationID: conversationID,
			Timestamp:      at,
		},
	}
}

func errorEvent(requestID, reason, message string) Event {
	return Event{
		Type:      EventError,
		RequestID: requestID,
		Error:     &ErrorPayload{Reason: reason, Message: message},
	}
}

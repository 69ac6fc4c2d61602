package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxConversationNameLength = 190
	maxFileNameLength         = 255
)

var (
	// ErrInvalidConversationID indicates that a conversation identifier is not positive.
	ErrInvalidConversationID = errors.New("chat: invalid conversation id")
	// ErrInvalidMessageID indicates that a message identifier is not positive.
	ErrInvalidMessageID = errors.New("chat: invalid message id")
	// ErrInvalidUserID indicates that a user identifier is not positive.
	ErrInvalidUserID = errors.New("chat: invalid user id")
)

// ConversationID identifies a conversation.
type ConversationID int64

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(value int64) (ConversationID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidConversationID, value)
	}
	return ConversationID(value), nil
}

// Int64 exposes the raw identifier.
func (id ConversationID) Int64() int64 {
	return int64(id)
}

// MessageID identifies a message.
type MessageID int64

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(value int64) (MessageID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMessageID, value)
	}
	return MessageID(value), nil
}

// Int64 exposes the raw identifier.
func (id MessageID) Int64() int64 {
	return int64(id)
}

// UserID identifies a user.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType int

const (
	// ConversationTypeDirect is a conversation between two users.
	ConversationTypeDirect ConversationType = 1
	// ConversationTypeGroup is a named multi-user conversation.
	ConversationTypeGroup ConversationType = 2
)

// String returns the wire name of the conversation type.
func (t ConversationType) String() string {
	switch t {
	case ConversationTypeDirect:
		return "direct"
	case ConversationTypeGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Conversation is the persisted conversation row.
type Conversation struct {
	ID            int64            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          *string          `gorm:"column:name;size:190" json:"name,omitempty"`
	TypeID        ConversationType `gorm:"column:type_id;not null;default:1" json:"type_id"`
	AvatarURL     *string          `gorm:"column:avatar_url;size:512" json:"avatar_url,omitempty"`
	LastMessageAt time.Time        `gorm:"column:last_message_at;not null;index" json:"last_message_at"`
	LastSeq       int64            `gorm:"column:last_seq;not null;default:0" json:"-"`
	CreatedAt     time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Message is the persisted message row. Exactly one of Content or Attachment is
// populated once the message is finalized.
type Message struct {
	ID             int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConversationID int64       `gorm:"column:conversation_id;not null;index:idx_messages_conversation_seq,priority:1" json:"conversation_id"`
	SenderID       int64       `gorm:"column:sender_id;not null;index" json:"sender_id"`
	Seq            int64       `gorm:"column:seq;not null;index:idx_messages_conversation_seq,priority:2" json:"seq"`
	Content        *string     `gorm:"column:content;type:text" json:"content"`
	Attachment     *Attachment `gorm:"foreignKey:MessageID;references:ID" json:"attachment"`
	CreatedAt      time.Time   `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"column:updated_at;not null" json:"updated_at"`
	IsDeleted      bool        `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	DeletedAt      *time.Time  `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// HasContent reports whether the message carries non-blank text.
func (m Message) HasContent() bool {
	return m.Content != nil && strings.TrimSpace(*m.Content) != ""
}

// Pending reports a shell row whose attachment has not been finalized yet.
func (m Message) Pending() bool {
	return m.Content == nil && m.Attachment == nil
}

// Redacted drops the body of a deleted message, leaving a tombstone.
func (m Message) Redacted() Message {
	if m.IsDeleted {
		m.Content = nil
		m.Attachment = nil
	}
	return m
}

// Attachment is the blob metadata owned 1:1 by a message.
type Attachment struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MessageID   int64   `gorm:"column:message_id;not null;uniqueIndex" json:"message_id"`
	FileName    string  `gorm:"column:file_name;size:255;not null" json:"file_name"`
	FileSize    int64   `gorm:"column:file_size;not null" json:"file_size"`
	StoragePath string  `gorm:"column:storage_path;size:512;not null" json:"storage_path"`
	PublicID    *string `gorm:"column:public_id;size:190" json:"public_id,omitempty"`
	FileType    *string `gorm:"column:file_type;size:128" json:"file_type,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// AttachmentUpload carries the raw bytes of an attachment submitted with a send request.
type AttachmentUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Empty reports whether no attachment was supplied.
func (u *AttachmentUpload) Empty() bool {
	return u == nil || len(u.Data) == 0
}

// SendRequest describes a client request to post into a conversation.
type SendRequest struct {
	ConversationID ConversationID
	Content        string
	Attachment     *AttachmentUpload
}

// SendOutcome classifies a send that did not fail outright.
type SendOutcome string

const (
	// SendOutcomeComplete means every requested message was committed.
	SendOutcomeComplete SendOutcome = "complete"
	// SendOutcomePartial means the attachment leg was compensated; Messages
	// holds whatever committed (possibly nothing).
	SendOutcomePartial SendOutcome = "partial"
)

// SendResult is the result of SendMessage. Messages lists committed rows in
// commit order (text before attachment) even when SendMessage also returns an error.
type SendResult struct {
	Messages []Message
	Outcome  SendOutcome
	Failure  error
}

// Partial reports whether part of the request was compensated.
func (r SendResult) Partial() bool {
	return r.Outcome == SendOutcomePartial
}

// ConversationRequest describes a conversation to create.
type ConversationRequest struct {
	Name      string
	AvatarURL string
}

// Page selects a window of conversation history.
type Page struct {
	Number int
	Size   int
}

func sanitizeFileName(raw string) string {
	name := strings.TrimSpace(raw)
	if index := strings.LastIndexAny(name, `/\`); index >= 0 {
		name = name[index+1:]
	}
	if name == "" || name == "." || name == ".." {
		return ""
	}
	if len(name) > maxFileNameLength {
		cut := maxFileNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}

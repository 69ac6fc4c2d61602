package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnID             = "id"
	columnConversationID = "conversation_id"
	columnMessageID      = "message_id"
	columnLastSeq        = "last_seq"
	columnLastMessageAt  = "last_message_at"
	columnIsDeleted      = "is_deleted"
	queryID              = columnID + " = ?"
	queryLiveMessage     = columnID + " = ? AND " + columnIsDeleted + " = ?"
	queryConversation    = columnConversationID + " = ? AND " + columnIsDeleted + " = ?"
	queryFinalized       = "(content IS NOT NULL OR EXISTS (SELECT 1 FROM attachments WHERE attachments.message_id = messages.id))"
	orderSeqDesc         = "seq DESC"
	preloadAttachment    = "Attachment"
)

// Store is the durable contract the ingestion pipeline depends on.
type Store interface {
	CreateConversation(ctx context.Context, conversation *Conversation) error
	GetConversation(ctx context.Context, id ConversationID) (Conversation, error)
	CreateMessage(ctx context.Context, message *Message) error
	GetMessage(ctx context.Context, id MessageID) (Message, error)
	ListMessages(ctx context.Context, id ConversationID, offset, limit int) ([]Message, error)
	UpdateMessageContent(ctx context.Context, id MessageID, content string, updatedAt time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, id MessageID, deletedAt time.Time) (Message, error)
	DiscardMessage(ctx context.Context, id MessageID) error
	CreateAttachment(ctx context.Context, attachment *Attachment) error
	AdvanceConversationLastMessageAt(ctx context.Context, id ConversationID, at time.Time) error
}

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the provided database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateConversation(ctx context.Context, conversation *Conversation) error {
	return s.db.WithContext(ctx).Create(conversation).Error
}

func (s *GormStore) GetConversation(ctx context.Context, id ConversationID) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where(queryID, id.Int64()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrRecordNotFound
	}
	return conversation, err
}

// CreateMessage reserves the next per-conversation sequence number and inserts
// the message in one transaction.
func (s *GormStore) CreateMessage(ctx context.Context, message *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := tx.Model(&Conversation{}).
			Where(queryID, message.ConversationID).
			UpdateColumn(columnLastSeq, gorm.Expr(columnLastSeq+" + ?", 1))
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			return ErrRecordNotFound
		}

		var conversation Conversation
		if err := tx.Select(columnLastSeq).Where(queryID, message.ConversationID).Take(&conversation).Error; err != nil {
			return err
		}
		message.Seq = conversation.LastSeq
		return tx.Omit(clause.Associations).Create(message).Error
	})
}

func (s *GormStore) GetMessage(ctx context.Context, id MessageID) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Preload(preloadAttachment).Where(queryID, id.Int64()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrRecordNotFound
	}
	return message, err
}

func (s *GormStore) ListMessages(ctx context.Context, id ConversationID, offset, limit int) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Preload(preloadAttachment).
		Where(queryConversation, id.Int64(), false).
		Where(queryFinalized).
		Order(orderSeqDesc).
		Offset(offset).
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (s *GormStore) UpdateMessageContent(ctx context.Context, id MessageID, content string, updatedAt time.Time) (Message, error) {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where(queryLiveMessage, id.Int64(), false).
		Updates(map[string]any{"content": content, "updated_at": updatedAt})
	if result.Error != nil {
		return Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Message{}, ErrRecordNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *GormStore) SoftDeleteMessage(ctx context.Context, id MessageID, deletedAt time.Time) (Message, error) {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where(queryLiveMessage, id.Int64(), false).
		Updates(map[string]any{columnIsDeleted: true, "deleted_at": deletedAt, "updated_at": deletedAt})
	if result.Error != nil {
		return Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Message{}, ErrRecordNotFound
	}
	return s.GetMessage(ctx, id)
}

// DiscardMessage physically removes a message and any attachment row. It is
// reserved for compensating a shell message whose upload failed.
func (s *GormStore) DiscardMessage(ctx context.Context, id MessageID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(columnMessageID+" = ?", id.Int64()).Delete(&Attachment{}).Error; err != nil {
			return err
		}
		return tx.Where(queryID, id.Int64()).Delete(&Message{}).Error
	})
}

func (s *GormStore) CreateAttachment(ctx context.Context, attachment *Attachment) error {
	return s.db.WithContext(ctx).Create(attachment).Error
}

// AdvanceConversationLastMessageAt moves the freshness marker forward, never back.
func (s *GormStore) AdvanceConversationLastMessageAt(ctx context.Context, id ConversationID, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conversation Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select(columnID, columnLastMessageAt).
			Where(queryID, id.Int64()).
			Take(&conversation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if !at.After(conversation.LastMessageAt) {
			return nil
		}
		return tx.Model(&Conversation{}).
			Where(queryID, id.Int64()).
			Updates(map[string]any{columnLastMessageAt: at, "updated_at": at}).Error
	})
}

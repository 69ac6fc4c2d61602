package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
)

const (
	// attachmentOrderOffset keeps an attachment row strictly after the text row
	// of the same request even when both read the same wall-clock instant.
	attachmentOrderOffset   = time.Millisecond
	defaultMaxAttachmentLen = 10 << 20
	defaultPageSize         = 50
	maxPageSize             = 200

	kindText       = "text"
	kindAttachment = "attachment"
)

var noOpLogger = zap.NewNop()

// BlobStore is the attachment storage the pipeline uploads through.
type BlobStore interface {
	Upload(ctx context.Context, file blob.File) (blob.Object, error)
	Delete(ctx context.Context, publicID string) error
}

// ServiceConfig describes the dependencies of the ingestion pipeline.
type ServiceConfig struct {
	Store              Store
	Blobs              BlobStore
	Clock              func() time.Time
	Logger             *zap.Logger
	MaxAttachmentBytes int64
}

// Service turns send/update/delete requests into durable message rows.
type Service struct {
	store              Store
	blobs              BlobStore
	clock              func() time.Time
	logger             *zap.Logger
	maxAttachmentBytes int64
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(KindInternal, opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(KindInternal, opServiceNew, reasonMissingBlob, errMissingBlobStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxAttachmentLen
	}
	return &Service{
		store:              cfg.Store,
		blobs:              cfg.Blobs,
		clock:              clock,
		logger:             logger,
		maxAttachmentBytes: maxBytes,
	}, nil
}

// SendMessage validates the request, commits the text row, then the attachment
// row through a shell-upload-finalize sequence, and advances the conversation's
// freshness marker. A failed upload is compensated by discarding the shell row
// and reported in SendResult.Failure rather than as an error.
func (s *Service) SendMessage(ctx context.Context, senderID UserID, request SendRequest) (SendResult, error) {
	content := strings.TrimSpace(request.Content)
	hasContent := content != ""
	hasAttachment := !request.Attachment.Empty()

	if !hasContent && !hasAttachment {
		return SendResult{}, newServiceError(KindValidation, opSendMessage, reasonEmptyRequest, errEmptyRequest)
	}
	if senderID <= 0 {
		return SendResult{}, newServiceError(KindUnauthorized, opSendMessage, reasonInvalidID, ErrInvalidUserID)
	}
	if request.ConversationID <= 0 {
		return SendResult{}, newServiceError(KindValidation, opSendMessage, reasonInvalidID, ErrInvalidConversationID)
	}
	var fileName string
	if hasAttachment {
		fileName = sanitizeFileName(request.Attachment.FileName)
		if fileName == "" {
			return SendResult{}, newServiceError(KindValidation, opSendMessage, reasonMissingFileName, errMissingFileName)
		}
		if int64(len(request.Attachment.Data)) > s.maxAttachmentBytes {
			return SendResult{}, newServiceError(KindValidation, opSendMessage, reasonTooLarge, errAttachmentTooLarge)
		}
	}

	if _, err := s.store.GetConversation(ctx, request.ConversationID); err != nil {
		return SendResult{}, s.lookupError(opSendMessage, err, errConversationNotFound,
			zap.Int64("conversation_id", request.ConversationID.Int64()))
	}

	base := s.clock().UTC()
	result := SendResult{Outcome: SendOutcomeComplete}

	if hasContent {
		message := Message{
			ConversationID: request.ConversationID.Int64(),
			SenderID:       senderID.Int64(),
			Content:        pointerTo(content),
			CreatedAt:      base,
			UpdatedAt:      base,
		}
		if err := s.store.CreateMessage(ctx, &message); err != nil {
			s.logError(opSendMessage, reasonCreateFailed, err,
				zap.Int64("conversation_id", request.ConversationID.Int64()),
				zap.String("kind", kindText))
			metrics.RecordSendOutcome("failed")
			return SendResult{}, newServiceError(KindStore, opSendMessage, reasonCreateFailed, err)
		}
		metrics.RecordMessageCommitted(kindText)
		result.Messages = append(result.Messages, message)
	}

	if hasAttachment {
		message, failure, err := s.commitAttachment(ctx, senderID, request, fileName, base.Add(attachmentOrderOffset))
		if err != nil {
			s.advanceFreshness(ctx, request.ConversationID, result)
			metrics.RecordSendOutcome("failed")
			return result, err
		}
		if failure != nil {
			result.Outcome = SendOutcomePartial
			result.Failure = failure
		} else {
			result.Messages = append(result.Messages, message)
		}
	}

	s.advanceFreshness(ctx, request.ConversationID, result)
	metrics.RecordSendOutcome(string(result.Outcome))
	return result, nil
}

// commitAttachment runs the shell/upload/finalize saga. A non-nil failure means
// the upload failed and the shell was discarded; a non-nil error means the store
// failed and the request must be reported as failed.
func (s *Service) commitAttachment(ctx context.Context, senderID UserID, request SendRequest, fileName string, createdAt time.Time) (message Message, uploadFailure error, err error) {
	conversationField := zap.Int64("conversation_id", request.ConversationID.Int64())

	shell := Message{
		ConversationID: request.ConversationID.Int64(),
		SenderID:       senderID.Int64(),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if err = s.store.CreateMessage(ctx, &shell); err != nil {
		s.logError(opSendMessage, reasonCreateFailed, err, conversationField, zap.String("kind", kindAttachment))
		return Message{}, nil, newServiceError(KindStore, opSendMessage, reasonCreateFailed, err)
	}
	shellID := MessageID(shell.ID)

	object, uploadErr := s.blobs.Upload(ctx, blob.File{
		Name:        fileName,
		ContentType: request.Attachment.ContentType,
		Data:        request.Attachment.Data,
	})
	if uploadErr != nil {
		s.logError(opSendMessage, reasonUploadFailed, uploadErr, conversationField, zap.Int64("message_id", shell.ID))
		if err := s.discardShell(ctx, shellID, reasonUploadFailed); err != nil {
			return Message{}, nil, err
		}
		return Message{}, newServiceError(KindUpload, opSendMessage, reasonUploadFailed, uploadErr), nil
	}

	attachment := Attachment{
		MessageID:   shell.ID,
		FileName:    fileName,
		FileSize:    object.Size,
		StoragePath: object.StoragePath,
		PublicID:    pointerTo(object.PublicID),
		FileType:    pointerTo(object.FileType),
	}
	if err := s.store.CreateAttachment(ctx, &attachment); err != nil {
		s.logError(opSendMessage, reasonAttachFailed, err, conversationField, zap.Int64("message_id", shell.ID))
		s.deleteBlob(ctx, object.PublicID, shell.ID)
		if discardErr := s.discardShell(ctx, shellID, reasonAttachFailed); discardErr != nil {
			return Message{}, nil, discardErr
		}
		return Message{}, nil, newServiceError(KindStore, opSendMessage, reasonAttachFailed, err)
	}

	shell.Attachment = &attachment
	metrics.RecordMessageCommitted(kindAttachment)
	return shell, nil, nil
}

func (s *Service) discardShell(ctx context.Context, id MessageID, reason string) error {
	if err := s.store.DiscardMessage(ctx, id); err != nil {
		metrics.RecordCompensation(reason, metrics.StatusFailure)
		s.logError(opSendMessage, reasonDiscardFailed, err, zap.Int64("message_id", id.Int64()))
		return newServiceError(KindStore, opSendMessage, reasonDiscardFailed, err)
	}
	metrics.RecordCompensation(reason, metrics.StatusSuccess)
	s.logger.Warn("attachment shell message discarded",
		zap.Int64("message_id", id.Int64()),
		zap.String("reason", reason))
	return nil
}

func (s *Service) advanceFreshness(ctx context.Context, conversationID ConversationID, result SendResult) {
	if len(result.Messages) == 0 {
		return
	}
	if err := s.store.AdvanceConversationLastMessageAt(ctx, conversationID, s.clock().UTC()); err != nil {
		s.logError(opSendMessage, reasonMarkerFailed, err, zap.Int64("conversation_id", conversationID.Int64()))
	}
}

// UpdateMessage replaces the content of a live message owned by actorID.
func (s *Service) UpdateMessage(ctx context.Context, actorID UserID, messageID MessageID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, newServiceError(KindValidation, opUpdateMessage, reasonEmptyContent, errEmptyContent)
	}

	existing, err := s.liveMessage(ctx, opUpdateMessage, messageID)
	if err != nil {
		return Message{}, err
	}
	if existing.SenderID != actorID.Int64() {
		return Message{}, newServiceError(KindForbidden, opUpdateMessage, reasonForbidden, errNotMessageSender)
	}
	if existing.Content == nil {
		return Message{}, newServiceError(KindValidation, opUpdateMessage, reasonEmptyContent,
			errors.New("attachment messages carry no editable content"))
	}

	updated, err := s.store.UpdateMessageContent(ctx, messageID, content, s.clock().UTC())
	if errors.Is(err, ErrRecordNotFound) {
		return Message{}, newServiceError(KindNotFound, opUpdateMessage, reasonNotFound, errMessageNotFound)
	}
	if err != nil {
		s.logError(opUpdateMessage, reasonUpdateFailed, err, zap.Int64("message_id", messageID.Int64()))
		return Message{}, newServiceError(KindStore, opUpdateMessage, reasonUpdateFailed, err)
	}
	return updated, nil
}

// DeleteMessage soft-deletes a live message owned by actorID and removes its
// attachment blob on a best-effort basis.
func (s *Service) DeleteMessage(ctx context.Context, actorID UserID, messageID MessageID) (Message, error) {
	existing, err := s.liveMessage(ctx, opDeleteMessage, messageID)
	if err != nil {
		return Message{}, err
	}
	if existing.SenderID != actorID.Int64() {
		return Message{}, newServiceError(KindForbidden, opDeleteMessage, reasonForbidden, errNotMessageSender)
	}

	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, s.clock().UTC())
	if errors.Is(err, ErrRecordNotFound) {
		return Message{}, newServiceError(KindNotFound, opDeleteMessage, reasonNotFound, errMessageNotFound)
	}
	if err != nil {
		s.logError(opDeleteMessage, reasonDeleteFailed, err, zap.Int64("message_id", messageID.Int64()))
		return Message{}, newServiceError(KindStore, opDeleteMessage, reasonDeleteFailed, err)
	}

	if existing.Attachment != nil && existing.Attachment.PublicID != nil {
		s.deleteBlob(ctx, *existing.Attachment.PublicID, existing.ID)
	}
	return deleted.Redacted(), nil
}

func (s *Service) deleteBlob(ctx context.Context, publicID string, messageID int64) {
	if err := s.blobs.Delete(ctx, publicID); err != nil {
		s.logError(opDeleteMessage, reasonBlobDelete, err,
			zap.Int64("message_id", messageID),
			zap.String("public_id", publicID))
	}
}

// liveMessage loads a message that is not deleted and whose conversation still exists.
func (s *Service) liveMessage(ctx context.Context, operation string, messageID MessageID) (Message, error) {
	if messageID <= 0 {
		return Message{}, newServiceError(KindValidation, operation, reasonInvalidID, ErrInvalidMessageID)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, s.lookupError(operation, err, errMessageNotFound, zap.Int64("message_id", messageID.Int64()))
	}
	if message.IsDeleted || message.Pending() {
		return Message{}, newServiceError(KindNotFound, operation, reasonNotFound, errMessageNotFound)
	}
	if _, err := s.store.GetConversation(ctx, ConversationID(message.ConversationID)); err != nil {
		return Message{}, s.lookupError(operation, err, errConversationNotFound,
			zap.Int64("conversation_id", message.ConversationID))
	}
	return message, nil
}

// GetMessage returns a message by id. Deleted messages come back as tombstones
// without content or attachment; unfinished shells are not found.
func (s *Service) GetMessage(ctx context.Context, messageID MessageID) (Message, error) {
	if messageID <= 0 {
		return Message{}, newServiceError(KindValidation, opGetMessage, reasonInvalidID, ErrInvalidMessageID)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, s.lookupError(opGetMessage, err, errMessageNotFound, zap.Int64("message_id", messageID.Int64()))
	}
	if !message.IsDeleted && message.Pending() {
		return Message{}, newServiceError(KindNotFound, opGetMessage, reasonNotFound, errMessageNotFound)
	}
	return message.Redacted(), nil
}

// ListMessages returns a page of live messages, newest first.
func (s *Service) ListMessages(ctx context.Context, conversationID ConversationID, page Page) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	number := page.Number
	if number < 1 {
		number = 1
	}
	size := page.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	messages, err := s.store.ListMessages(ctx, conversationID, (number-1)*size, size)
	if err != nil {
		s.logError(opListMessages, reasonLookupFailed, err, zap.Int64("conversation_id", conversationID.Int64()))
		return nil, newServiceError(KindStore, opListMessages, reasonLookupFailed, err)
	}
	return messages, nil
}

// GetConversation resolves a conversation by id.
func (s *Service) GetConversation(ctx context.Context, conversationID ConversationID) (Conversation, error) {
	if conversationID <= 0 {
		return Conversation{}, newServiceError(KindValidation, opGetConversation, reasonInvalidID, ErrInvalidConversationID)
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, s.lookupError(opGetConversation, err, errConversationNotFound,
			zap.Int64("conversation_id", conversationID.Int64()))
	}
	return conversation, nil
}

// ConversationExists reports whether the conversation can be joined.
func (s *Service) ConversationExists(ctx context.Context, conversationID int64) (bool, error) {
	_, err := s.GetConversation(ctx, ConversationID(conversationID))
	switch {
	case err == nil:
		return true, nil
	case IsKind(err, KindNotFound), IsKind(err, KindValidation):
		return false, nil
	default:
		return false, err
	}
}

// CreateConversation stores a new conversation; a named one is a group.
func (s *Service) CreateConversation(ctx context.Context, request ConversationRequest) (Conversation, error) {
	name := strings.TrimSpace(request.Name)
	if len(name) > maxConversationNameLength {
		return Conversation{}, newServiceError(KindValidation, opCreateConversation, reasonNameTooLong, errConversationNameLength)
	}
	now := s.clock().UTC()
	conversation := Conversation{
		TypeID:        ConversationTypeDirect,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if name != "" {
		conversation.Name = pointerTo(name)
		conversation.TypeID = ConversationTypeGroup
	}
	if avatar := strings.TrimSpace(request.AvatarURL); avatar != "" {
		conversation.AvatarURL = pointerTo(avatar)
	}
	if err := s.store.CreateConversation(ctx, &conversation); err != nil {
		s.logError(opCreateConversation, reasonCreateFailed, err)
		return Conversation{}, newServiceError(KindStore, opCreateConversation, reasonCreateFailed, err)
	}
	return conversation, nil
}

func (s *Service) lookupError(operation string, err error, notFound error, fields ...zap.Field) error {
	if errors.Is(err, ErrRecordNotFound) {
		return newServiceError(KindNotFound, operation, reasonNotFound, notFound)
	}
	s.logError(operation, reasonLookupFailed, err, fields...)
	return newServiceError(KindStore, operation, reasonLookupFailed, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}

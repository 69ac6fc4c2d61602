package chat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for transport mapping.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindUpload       ErrorKind = "upload_failure"
	KindStore        ErrorKind = "store_failure"
	KindInvalidState ErrorKind = "invalid_state"
	KindInternal     ErrorKind = "internal"
)

var (
	errMissingStore           = errors.New("message store is required")
	errMissingBlobStore       = errors.New("blob store is required")
	errEmptyRequest           = errors.New("message content or attachment is required")
	errEmptyContent           = errors.New("message content is required")
	errMissingFileName        = errors.New("attachment file name is required")
	errAttachmentTooLarge     = errors.New("attachment exceeds size limit")
	errConversationNotFound   = errors.New("conversation not found")
	errMessageNotFound        = errors.New("message not found")
	errNotMessageSender       = errors.New("only the sender may modify a message")
	errConversationNameLength = errors.New("conversation name too long")

	// ErrRecordNotFound is returned by Store implementations when a row does not exist.
	ErrRecordNotFound = errors.New("chat: record not found")
)

// ServiceError carries a kind, an operation-scoped code and the underlying cause.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

const (
	opServiceNew          = "chat.service.new"
	opSendMessage         = "chat.send_message"
	opUpdateMessage       = "chat.update_message"
	opDeleteMessage       = "chat.delete_message"
	opGetMessage          = "chat.get_message"
	opListMessages        = "chat.list_messages"
	opGetConversation     = "chat.get_conversation"
	opCreateConversation  = "chat.create_conversation"
	reasonMissingStore    = "missing_store"
	reasonMissingBlob     = "missing_blob_store"
	reasonEmptyRequest    = "empty_request"
	reasonEmptyContent    = "empty_content"
	reasonMissingFileName = "missing_file_name"
	reasonTooLarge        = "attachment_too_large"
	reasonInvalidID       = "invalid_id"
	reasonNotFound        = "not_found"
	reasonForbidden       = "forbidden"
	reasonLookupFailed    = "lookup_failed"
	reasonCreateFailed    = "create_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonUploadFailed    = "upload_failed"
	reasonAttachFailed    = "attachment_insert_failed"
	reasonDiscardFailed   = "compensation_failed"
	reasonMarkerFailed    = "last_message_at_failed"
	reasonBlobDelete      = "blob_delete_failed"
	reasonNameTooLong     = "name_too_long"
)

func newServiceError(kind ErrorKind, operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{kind: kind, code: code, err: cause}
}

// KindOf extracts the error kind from err, returning KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindInternal
}

// CodeOf extracts the service error code from err, or "" for foreign errors.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}

// IsKind reports whether err is a ServiceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

var (
	// ErrUnauthorized is returned for handshakes without a valid identity and
	// for commands on a rejected session.
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrInvalidState is returned for commands on a session that is not connected.
	ErrInvalidState = errors.New("realtime: session is not connected")
	// ErrUnknownCommand is returned for unsupported command types.
	ErrUnknownCommand = errors.New("realtime: unknown command")
	// ErrMalformedCommand is returned for frames that do not decode as a command.
	ErrMalformedCommand = errors.New("realtime: malformed command")

	errMissingVerifier     = errors.New("realtime: identity verifier is required")
	errMissingRegistry     = errors.New("realtime: presence registry is required")
	errMissingMessages     = errors.New("realtime: message service is required")
	errMissingDispatcher   = errors.New("realtime: dispatcher is required")
	errConversationMissing = errors.New("conversation not found")
)

// State is a connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRejected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IdentityVerifier resolves the identity attached to a handshake.
type IdentityVerifier interface {
	Resolve(ctx context.Context, handshake *http.Request) (presence.Identity, error)
}

// MessageService is the ingestion pipeline used by connections and HTTP handlers.
type MessageService interface {
	SendMessage(ctx context.Context, senderID chat.UserID, request chat.SendRequest) (chat.SendResult, error)
	UpdateMessage(ctx context.Context, actorID chat.UserID, messageID chat.MessageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, actorID chat.UserID, messageID chat.MessageID) (chat.Message, error)
}

// ActivityRecorder keeps user online state in step with connections.
type ActivityRecorder interface {
	MarkOnline(ctx context.Context, identity presence.Identity) error
	MarkOffline(ctx context.Context, userID int64) error
}

// ControllerConfig describes the collaborators of a Controller.
type ControllerConfig struct {
	Verifier   IdentityVerifier
	Registry   *presence.Registry
	Messages   MessageService
	Dispatcher *Dispatcher
	Activity   ActivityRecorder
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Controller runs the connection lifecycle and routes mutations to the
// pipeline, broadcasting every committed change.
type Controller struct {
	verifier   IdentityVerifier
	registry   *presence.Registry
	messages   MessageService
	dispatcher *Dispatcher
	activity   ActivityRecorder
	clock      func() time.Time
	logger     *zap.Logger
}

// NewController validates the configuration.
func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errMissingVerifier
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Messages == nil:
		return nil, errMissingMessages
	case cfg.Dispatcher == nil:
		return nil, errMissingDispatcher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		verifier:   cfg.Verifier,
		registry:   cfg.Registry,
		messages:   cfg.Messages,
		dispatcher: cfg.Dispatcher,
		activity:   cfg.Activity,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Connect resolves the handshake identity and registers the connection. On
// failure the returned session is rejected and the error wraps ErrUnauthorized.
func (c *Controller) Connect(ctx context.Context, handshake *http.Request, outbox presence.Outbox) (*Session, error) {
	session := &Session{
		controller: c,
		id:         presence.NewConnectionID(),
		outbox:     outbox,
		state:      StateConnecting,
	}

	identity, err := c.verifier.Resolve(ctx, handshake)
	if err == nil && identity.UserID <= 0 {
		err = errors.New("identity without user id")
	}
	if err != nil {
		session.setState(StateRejected)
		c.logger.Info("connection rejected", zap.Error(err))
		return session, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	session.identity = identity

	if err := c.registry.RegisterConnection(session.id, identity, outbox); err != nil {
		session.setState(StateRejected)
		return session, err
	}
	session.setState(StateConnected)

	if c.activity != nil {
		if err := c.activity.MarkOnline(ctx, identity); err != nil {
			c.logger.Warn("failed to record user online", zap.Int64("user_id", identity.UserID), zap.Error(err))
		}
	}
	c.logger.Info("connection established",
		zap.String("connection_id", string(session.id)),
		zap.Int64("user_id", identity.UserID))
	return session, nil
}

// SendMessage runs the pipeline on a context that survives disconnects and
// broadcasts every committed message, including when the call also fails.
func (c *Controller) SendMessage(ctx context.Context, identity presence.Identity, request chat.SendRequest) (chat.SendResult, error) {
	ctx = context.WithoutCancel(ctx)
	result, err := c.messages.SendMessage(ctx, chat.UserID(identity.UserID), request)
	for _, message := range result.Messages {
		c.dispatcher.Broadcast(ctx, message.ConversationID, messageEvent(EventReceiveMessage, message))
	}
	return result, err
}

// UpdateMessage edits a message and broadcasts the new content.
func (c *Controller) UpdateMessage(ctx context.Context, identity presence.Identity, messageID chat.MessageID, content string) (chat.Message, error) {
	ctx = context.WithoutCancel(ctx)
	message, err := c.messages.UpdateMessage(ctx, chat.UserID(identity.UserID), messageID, content)
	if err != nil {
		return chat.Message{}, err
	}
	c.dispatcher.Broadcast(ctx, message.ConversationID, messageEvent(EventMessageUpdated, message))
	return message, nil
}

// DeleteMessage soft-deletes a message and broadcasts the deletion.
func (c *Controller) DeleteMessage(ctx context.Context, identity presence.Identity, messageID chat.MessageID) (chat.Message, error) {
	ctx = context.WithoutCancel(ctx)
	message, err := c.messages.DeleteMessage(ctx, chat.UserID(identity.UserID), messageID)
	if err != nil {
		return chat.Message{}, err
	}
	c.dispatcher.Broadcast(ctx, message.ConversationID, messageEvent(EventMessageDeleted, message))
	return message, nil
}

// Session is one connection's view of the controller.
type Session struct {
	controller *Controller
	id         presence.ConnectionID
	identity   presence.Identity
	outbox     presence.Outbox

	mu        sync.RWMutex
	state     State
	closeOnce sync.Once
}

// ID returns the connection id.
func (s *Session) ID() presence.ConnectionID {
	return s.id
}

// Identity returns the verified identity, empty for rejected sessions.
func (s *Session) Identity() presence.Identity {
	return s.identity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Handle routes one inbound command. Failures of connected sessions are also
// reported to the caller as an Error event.
func (s *Session) Handle(ctx context.Context, command Command) error {
	switch s.State() {
	case StateConnected:
	case StateRejected:
		return ErrUnauthorized
	default:
		return ErrInvalidState
	}

	var err error
	switch command.Type {
	case CommandJoinConversation:
		err = s.join(ctx, command)
	case CommandLeaveConversation:
		err = s.leave(ctx, command)
	case CommandSendMessage:
		err = s.send(ctx, command)
	case CommandUpdateMessage:
		_, err = s.controller.UpdateMessage(ctx, s.identity, chat.MessageID(command.MessageID), command.Content)
	case CommandDeleteMessage:
		_, err = s.controller.DeleteMessage(ctx, s.identity, chat.MessageID(command.MessageID))
	default:
		s.reply(errorEvent(command.RequestID, ReasonUnknownCommand, fmt.Sprintf("unsupported command %q", command.Type)))
		return ErrUnknownCommand
	}
	if err != nil {
		s.replyError(command.RequestID, err)
	}
	return err
}

// HandleFrame decodes one JSON frame and handles it as a command.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) error {
	var command Command
	if err := json.Unmarshal(frame, &command); err != nil {
		if s.State() == StateConnected {
			s.reply(errorEvent("", ReasonMalformedCommand, "command is not valid JSON"))
		}
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return s.Handle(ctx, command)
}

func (s *Session) join(ctx context.Context, command Command) error {
	exists, err := s.controller.registry.Join(ctx, s.id, command.ConversationID)
	if err != nil {
		return err
	}
	if !exists {
		return errConversationMissing
	}
	s.controller.dispatcher.Broadcast(ctx, command.ConversationID,
		memberEvent(EventUserJoined, s.id, s.identity, command.ConversationID, s.controller.clock().UTC()))
	return nil
}

// leave is silent for a conversation the connection never joined, unless the
// conversation does not exist at all.
func (s *Session) leave(ctx context.Context, command Command) error {
	if !s.controller.registry.Leave(s.id, command.ConversationID) {
		exists, err := s.controller.registry.ConversationExists(ctx, command.ConversationID)
		if err != nil {
			return err
		}
		if !exists {
			return errConversationMissing
		}
		return nil
	}
	s.controller.dispatcher.Broadcast(context.Background(), command.ConversationID,
		memberEvent(EventUserLeft, s.id, s.identity, command.ConversationID, s.controller.clock().UTC()))
	return nil
}

func (s *Session) send(ctx context.Context, command Command) error {
	request := chat.SendRequest{
		ConversationID: chat.ConversationID(command.ConversationID),
		Content:        command.Content,
	}
	if command.Attachment != nil {
		request.Attachment = &chat.AttachmentUpload{
			FileName:    command.Attachment.FileName,
			ContentType: command.Attachment.ContentType,
			Data:        command.Attachment.Data,
		}
	}
	result, err := s.controller.SendMessage(ctx, s.identity, request)
	if err != nil {
		return err
	}
	if result.Partial() {
		s.replyError(command.RequestID, result.Failure)
	}
	return nil
}

// Close terminates the session exactly once: the connection leaves every
// conversation, remaining members are told, and the user's activity is recorded.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasConnected := s.state == StateConnected
		if s.state != StateRejected {
			s.state = StateTerminated
		}
		s.mu.Unlock()
		if !wasConnected {
			return
		}

		c := s.controller
		now := c.clock().UTC()
		for _, conversationID := range c.registry.Unregister(s.id) {
			c.dispatcher.Broadcast(context.Background(), conversationID,
				memberEvent(EventUserLeft, s.id, s.identity, conversationID, now))
		}
		if c.activity != nil {
			if err := c.activity.MarkOffline(context.Background(), s.identity.UserID); err != nil {
				c.logger.Warn("failed to record user offline", zap.Int64("user_id", s.identity.UserID), zap.Error(err))
			}
		}
		c.logger.Info("connection terminated",
			zap.String("connection_id", string(s.id)),
			zap.Int64("user_id", s.identity.UserID),
			zap.String("reason", reason))
	})
}

func (s *Session) replyError(requestID string, err error) {
	reason, message := describeError(err)
	s.reply(errorEvent(requestID, reason, message))
}

func (s *Session) reply(event Event) {
	if s.outbox == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.controller.logger.Error("realtime reply encoding failed", zap.Error(err))
		return
	}
	if err := s.outbox.Send(payload); err != nil {
		s.controller.logger.Debug("realtime reply dropped",
			zap.String("connection_id", string(s.id)),
			zap.Error(err))
	}
}

// describeError maps a failure to the reason and message sent to the caller.
// Store and internal failures are not described beyond their reason.
func describeError(err error) (string, string) {
	switch {
	case errors.Is(err, errConversationMissing):
		return ReasonNotFound, err.Error()
	case errors.Is(err, presence.ErrNotRegistered), errors.Is(err, ErrInvalidState):
		return ReasonInvalidState, "connection is not registered"
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized, "unauthorized"
	}
	switch chat.KindOf(err) {
	case chat.KindValidation:
		return ReasonValidation, causeMessage(err)
	case chat.KindNotFound:
		return ReasonNotFound, causeMessage(err)
	case chat.KindForbidden:
		return ReasonForbidden, causeMessage(err)
	case chat.KindUnauthorized:
		return ReasonUnauthorized, "unauthorized"
	case chat.KindUpload:
		return ReasonUploadFailed, "attachment upload failed"
	case chat.KindStore:
		return ReasonStoreFailure, "message could not be stored"
	default:
		return ReasonInternal, "internal error"
	}
}

func causeMessage(err error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/auth"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
	"github.com/MarcoPoloResearchLab/wiremess/internal/users"
)

const identityContextKey = "wiremess_identity"

var (
	errMissingVerifier   = errors.New("identity verifier dependency required")
	errMissingChat       = errors.New("chat service dependency required")
	errMissingController = errors.New("realtime controller dependency required")
	errMissingBlobs      = errors.New("attachment reader dependency required")
)

// AttachmentReader streams stored attachment blobs.
type AttachmentReader interface {
	Open(ctx context.Context, publicID string) (io.ReadCloser, string, error)
}

// UserDirectory resolves user profiles.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (users.User, error)
}

// Dependencies lists the collaborators of the HTTP handler.
type Dependencies struct {
	Verifier       realtime.IdentityVerifier
	Chat           *chat.Service
	Controller     *realtime.Controller
	Attachments    AttachmentReader
	Users          UserDirectory
	HealthCheck    func(ctx context.Context) error
	AllowedOrigins []string
	UploadMaxBytes int64
	WebSocket      WebSocketSettings
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST API, the WebSocket
// endpoint and the operational routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Chat == nil {
		return nil, errMissingChat
	}
	if deps.Controller == nil {
		return nil, errMissingController
	}
	if deps.Attachments == nil {
		return nil, errMissingBlobs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(recordRequest)
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		chat:        deps.Chat,
		controller:  deps.Controller,
		attachments: deps.Attachments,
		users:       deps.Users,
		healthCheck: deps.HealthCheck,
		uploadMax:   deps.UploadMaxBytes,
		sockets:     newSocketServer(deps.Controller, deps.WebSocket, deps.AllowedOrigins, logger),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", handler.sockets.serve)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:id", handler.handleGetConversation)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.GET("/messages/:id", handler.handleGetMessage)
	protected.PATCH("/messages/:id", handler.handleUpdateMessage)
	protected.DELETE("/messages/:id", handler.handleDeleteMessage)
	protected.GET("/attachments/:public_id", handler.handleGetAttachment)
	if deps.Users != nil {
		protected.GET("/users/:id", handler.handleGetUser)
	}

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOrigins = []string{"*"}
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

func recordRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.RecordRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
}

type httpHandler struct {
	verifier    realtime.IdentityVerifier
	chat        *chat.Service
	controller  *realtime.Controller
	attachments AttachmentReader
	users       UserDirectory
	healthCheck func(ctx context.Context) error
	uploadMax   int64
	sockets     *socketServer
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.verifier.Resolve(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("access token expired", zap.Error(err))
		} else {
			h.logger.Warn("access token rejected", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) presence.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(presence.Identity)
	return identity
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type conversationRequestPayload struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request conversationRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	conversation, err := h.chat.CreateConversation(c.Request.Context(), chat.ConversationRequest{
		Name:      request.Name,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation)
}

func (h *httpHandler) handleGetConversation(c *gin.Context) {
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	conversation, err := h.chat.GetConversation(c.Request.Context(), chat.ConversationID(conversationID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

type messagesResponsePayload struct {
	Messages []chat.Message `json:"messages"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	page := chat.Page{
		Number: queryInt(c, "page"),
		Size:   queryInt(c, "page_size"),
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), chat.ConversationID(conversationID), page)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, messagesResponsePayload{Messages: messages, Page: page.Number, PageSize: page.Size})
}

type sendResponsePayload struct {
	Messages []chat.Message `json:"messages"`
	Outcome  string         `json:"outcome"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	request, err := h.readSendRequest(c)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": "invalid_request"})
		return
	}
	request.ConversationID = chat.ConversationID(conversationID)

	result, err := h.controller.SendMessage(c.Request.Context(), identityFrom(c), request)
	if err != nil && len(result.Messages) == 0 {
		h.respondError(c, err)
		return
	}
	response := sendResponsePayload{
		Messages: result.Messages,
		Outcome:  string(result.Outcome),
	}
	if response.Messages == nil {
		response.Messages = []chat.Message{}
	}
	if failure := errors.Join(result.Failure, err); failure != nil {
		_, response.Error = statusFor(failure)
		response.Code = chat.CodeOf(failure)
	}
	c.JSON(http.StatusCreated, response)
}

type updateRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	messageID, ok := pathID(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.controller.UpdateMessage(c.Request.Context(), identityFrom(c), chat.MessageID(messageID), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c)
	if !ok {
		return
	}
	message, err := h.controller.DeleteMessage(c.Request.Context(), identityFrom(c), chat.MessageID(messageID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	messageID, ok := pathID(c)
	if !ok {
		return
	}
	message, err := h.chat.GetMessage(c.Request.Context(), chat.MessageID(messageID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("user lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := statusFor(err)
	body := gin.H{"error": reason}
	if code := chat.CodeOf(err); code != "" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("code", chat.CodeOf(err)),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func statusFor(err error) (int, string) {
	switch chat.KindOf(err) {
	case chat.KindValidation:
		return http.StatusBadRequest, realtime.ReasonValidation
	case chat.KindUnauthorized:
		return http.StatusUnauthorized, realtime.ReasonUnauthorized
	case chat.KindForbidden:
		return http.StatusForbidden, realtime.ReasonForbidden
	case chat.KindNotFound:
		return http.StatusNotFound, realtime.ReasonNotFound
	case chat.KindUpload:
		return http.StatusBadGateway, realtime.ReasonUploadFailed
	case chat.KindStore:
		return http.StatusInternalServerError, realtime.ReasonStoreFailure
	case chat.KindInvalidState:
		return http.StatusConflict, realtime.ReasonInvalidState
	default:
		return http.StatusInternalServerError, realtime.ReasonInternal
	}
}

func pathID(c *gin.Context) (int64, bool) {
	value, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": realtime.ReasonValidation, "code": "request.invalid_id"})
		return 0, false
	}
	return value, true
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}

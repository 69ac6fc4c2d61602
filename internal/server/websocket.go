package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
)

const (
	defaultSendBuffer      = 64
	defaultMaxMessageBytes = 16 << 20
	defaultPingInterval    = 30 * time.Second
	writeWait              = 10 * time.Second
)

var (
	errOutboxClosed = errors.New("websocket outbox closed")
	errOutboxFull   = errors.New("websocket outbox full")
)

// WebSocketSettings tunes the per-connection transport.
type WebSocketSettings struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
}

func (s WebSocketSettings) withDefaults() WebSocketSettings {
	if s.SendBuffer <= 0 {
		s.SendBuffer = defaultSendBuffer
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = defaultMaxMessageBytes
	}
	if s.PingInterval <= 0 {
		s.PingInterval = defaultPingInterval
	}
	return s
}

type socketServer struct {
	controller *realtime.Controller
	settings   WebSocketSettings
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func newSocketServer(controller *realtime.Controller, settings WebSocketSettings, origins []string, logger *zap.Logger) *socketServer {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return &socketServer{
		controller: controller,
		settings:   settings.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger: logger,
	}
}

// serve authenticates the handshake before upgrading, then runs the pumps
// until either side goes away.
func (s *socketServer) serve(c *gin.Context) {
	outbox := newSocketOutbox(s.settings.SendBuffer)
	session, err := s.controller.Connect(c.Request.Context(), c.Request, outbox)
	if err != nil {
		outbox.close()
		if errors.Is(err, realtime.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		s.logger.Error("websocket connect failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("connection_id", string(session.ID())), zap.Error(err))
		session.Close("upgrade failed")
		outbox.close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(conn, outbox)
	}()

	reason := s.readPump(c.Request.Context(), conn, session)
	session.Close(reason)
	outbox.close()
	<-done
}

func (s *socketServer) readPump(ctx context.Context, conn *websocket.Conn, session *realtime.Session) string {
	defer conn.Close()

	pongWait := s.settings.PingInterval * 2
	conn.SetReadLimit(s.settings.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly",
					zap.String("connection_id", string(session.ID())),
					zap.Error(err))
				return "read error"
			}
			return "client closed"
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := session.HandleFrame(ctx, frame); err != nil {
			s.logger.Debug("websocket command failed",
				zap.String("connection_id", string(session.ID())),
				zap.Error(err))
		}
		// Pongs go unread while a command runs.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *socketServer) writePump(conn *websocket.Conn, outbox *socketOutbox) {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-outbox.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// socketOutbox queues encoded events for the write pump. Send never blocks;
// a full queue drops the event for this connection only.
type socketOutbox struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSocketOutbox(buffer int) *socketOutbox {
	return &socketOutbox{send: make(chan []byte, buffer)}
}

func (o *socketOutbox) Send(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errOutboxClosed
	}
	select {
	case o.send <- payload:
		return nil
	default:
		return errOutboxFull
	}
}

func (o *socketOutbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.send)
	}
}

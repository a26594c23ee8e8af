package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 5 * time.Second

// Message is one frame sent to the client
type Message struct {
	Type  string        `json:"type"`
	Trace *domain.Trace `json:"trace,omitempty"`
	Event *ports.Event  `json:"event,omitempty"`
}

// Message types
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

// Handler streams trace events over WebSocket
type Handler struct {
	eventBus ports.EventBus
	store    ports.TraceStore
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler. store may be nil, which
// disables the initial snapshot.
func NewHandler(eventBus ports.EventBus, store ports.TraceStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		eventBus: eventBus,
		store:    store,
		logger:   logger,
	}
}

// HandleTraceStream sends the current trace, then every event of that
// trace until it completes or the client goes away
func (h *Handler) HandleTraceStream(c *gin.Context) {
	traceID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("trace_id", traceID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read loop notices client close frames
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan ports.Event, 32)
	if err := h.eventBus.Subscribe(ctx, ports.TopicTraces, h.forward(traceID, events)); err != nil {
		h.logger.Error("failed to subscribe to trace events",
			zap.String("trace_id", traceID),
			zap.Error(err))
		return
	}

	if h.store != nil {
		if trace, err := h.store.GetTrace(ctx, traceID); err == nil {
			if err := h.write(conn, Message{Type: MessageSnapshot, Trace: trace}); err != nil {
				return
			}
			if trace.Status != domain.TraceStatusRunning {
				h.closeNormal(conn)
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, Message{Type: MessageEvent, Event: &event}); err != nil {
				return
			}
			if event.Type == ports.EventTypeTraceCompleted {
				h.closeNormal(conn)
				return
			}
		}
	}
}

// forward returns a bus handler passing this trace's events to ch without blocking
func (h *Handler) forward(traceID string, ch chan<- ports.Event) ports.EventHandler {
	return func(ctx context.Context, event ports.Event) error {
		if event.TraceID != traceID {
			return nil
		}
		select {
		case ch <- event:
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("failed to write message", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trace finished"),
		time.Now().Add(writeWait))
}

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/reverse-test/retester/internal/worker"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// EventsHandler 通过 WebSocket 推送测试任务事件
type EventsHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // conn -> 关注的 report_id，空表示全部
	clientMutex sync.RWMutex
	broadcast   chan worker.Event
}

// NewEventsHandler 创建事件处理器
func NewEventsHandler(logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan worker.Event, 100),
	}
}

// Start 启动广播循环
func (h *EventsHandler) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *EventsHandler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *EventsHandler) deliver(event worker.Event) {
	var dead []*websocket.Conn

	h.clientMutex.RLock()
	for conn, reportID := range h.clients {
		if reportID != "" && reportID != event.ReportID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.WithError(err).Debug("Failed to write to WebSocket client")
			dead = append(dead, conn)
		}
	}
	h.clientMutex.RUnlock()

	for _, conn := range dead {
		h.remove(conn)
	}
}

// Broadcast 非阻塞投递事件，缓冲区满时丢弃
func (h *EventsHandler) Broadcast(event worker.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("report_id", event.ReportID).Warn("Event channel is full, dropping event")
	}
}

// HandleWebSocket 订阅事件
// GET /ws/events?report_id=...
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	reportID := c.Query("report_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = reportID
	h.clientMutex.Unlock()

	h.logger.WithField("report_id", reportID).Info("WebSocket client connected")

	// 只读取以感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket closed")
			}
			break
		}
	}

	h.remove(conn)
	h.logger.WithField("report_id", reportID).Info("WebSocket client disconnected")
}

// ClientCount 当前连接数
func (h *EventsHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

func (h *EventsHandler) remove(conn *websocket.Conn) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *EventsHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

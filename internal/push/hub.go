// 包 push：观察者推送通道；进程内以 SSE 长连接维护订阅者，支持全体广播与定向发送
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"celdas-api/internal/logger"
	"celdas-api/internal/metrics"

	"github.com/google/uuid"
)

// ErrUnknownConnection：定向发送的连接不存在（已断开或从未建立）
var ErrUnknownConnection = errors.New("push: unknown connection")

// EventConnected：SSE 建立后首个事件，携带连接 ID 供客户端在请求中回传
const EventConnected = "conexion"

// Message：一条推送事件，Data 为已编码 JSON
type Message struct {
	Event string
	Data  json.RawMessage
}

// 文档注释：订阅者中心
// 背景：每个连接一个带缓冲通道；广播为非阻塞投递，缓冲满时丢弃该订阅者的本条消息，避免慢连接拖住更新路径。
// 约束：连接 ID 为 UUID；Unsubscribe 关闭通道，重复调用安全。
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan Message
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Message), buffer: 16}
}

// Subscribe：登记新连接，返回连接 ID 与事件通道
func (h *Hub) Subscribe() (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
}

// Len：当前连接数
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast：编码后投递给全部连接；实现 occupancy.Publisher
func (h *Hub) Broadcast(ctx context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode %s: %w", event, err)
	}
	h.BroadcastRaw(event, b)
	return nil
}

// BroadcastRaw：投递已编码事件（Redis 转发入口复用）
func (h *Hub) BroadcastRaw(event string, data json.RawMessage) {
	msg := Message{Event: event, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			metrics.DroppedEventsTotal.Inc()
			logger.L().Warn("push_event_dropped", "conn", id, "event", event)
		}
	}
	metrics.BroadcastTotal.WithLabelValues(event).Inc()
}

// SendTo：仅向指定连接发送
func (h *Hub) SendTo(id, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode %s: %w", event, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	select {
	case ch <- Message{Event: event, Data: b}:
	default:
		metrics.DroppedEventsTotal.Inc()
		logger.L().Warn("push_event_dropped", "conn", id, "event", event)
	}
	return nil
}

// 文档注释：SSE 端点
// 背景：连接建立后先发送 conexion 事件（携带连接 ID），再调用 onConnect 让业务层发送初始状态；随后持续转发事件直到客户端断开。
// 约束：ResponseWriter 必须支持 Flush；中间件包装时需透传 Flusher。
func (h *Hub) Handler(onConnect func(ctx context.Context, id string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := h.Subscribe()
		defer h.Unsubscribe(id)
		logger.L().Debug("push_connected", "conn", id, "ip", r.RemoteAddr)

		hello, _ := json.Marshal(map[string]string{"id": id})
		if err := writeEvent(w, Message{Event: EventConnected, Data: hello}); err != nil {
			return
		}
		flusher.Flush()
		if onConnect != nil {
			onConnect(r.Context(), id)
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				logger.L().Debug("push_disconnected", "conn", id)
				return
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, m Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Event, m.Data)
	return err
}

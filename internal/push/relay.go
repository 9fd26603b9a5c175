package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"celdas-api/internal/logger"
	"celdas-api/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel：Redis 推送频道
const DefaultChannel = "celdas:eventos"

type envelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// 文档注释：多实例广播转发
// 背景：多个服务实例各自持有 SSE 连接；广播先投递本地，再经 Redis Pub/Sub 发往其他实例，其他实例收到后投递给各自连接。
// 约束：按 origin 丢弃自身发出的消息，避免本地重复投递；Pub/Sub 为至多一次语义，实例离线期间的消息不补发。
// 登记了 Handle 的事件交给处理函数（由其负责本地投递），其余事件直接投递给本地连接。
type Relay struct {
	rdb      *redis.Client
	hub      *Hub
	channel  string
	origin   string
	mu       sync.RWMutex
	handlers map[string]RemoteHandler
}

// RemoteHandler：处理其他实例发来的事件；返回错误时退回为直接投递本地连接
type RemoteHandler func(ctx context.Context, data json.RawMessage) error

func NewRelay(rdb *redis.Client, hub *Hub, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{rdb: rdb, hub: hub, channel: channel, origin: uuid.NewString(), handlers: make(map[string]RemoteHandler)}
}

// Handle：为远端事件登记处理函数（例如让本实例状态跟随远端更新）
func (r *Relay) Handle(event string, fn RemoteHandler) {
	r.mu.Lock()
	r.handlers[event] = fn
	r.mu.Unlock()
}

// Broadcast：本地投递并发布到 Redis；实现 occupancy.Publisher
func (r *Relay) Broadcast(ctx context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode %s: %w", event, err)
	}
	r.hub.BroadcastRaw(event, b)
	env, err := json.Marshal(envelope{Origin: r.origin, Event: event, Data: b})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, env).Err(); err != nil {
		metrics.BroadcastFailTotal.Inc()
		return fmt.Errorf("push: publish %s: %w", event, err)
	}
	return nil
}

// 文档注释：订阅 Redis 频道并投递远端广播
// 背景：先等待订阅确认再返回 ready，保证调用方在 ready 之后的发布不会丢失；ctx 取消时退出。
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("push: subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	logger.L().Info("relay_subscribed", "channel", r.channel, "origin", r.origin)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.L().Warn("relay_decode_error", "err", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.deliver(ctx, env)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, env envelope) {
	r.mu.RLock()
	fn := r.handlers[env.Event]
	r.mu.RUnlock()
	if fn != nil {
		err := fn(ctx, env.Data)
		if err == nil {
			return
		}
		logger.L().Warn("relay_handler_error", "event", env.Event, "err", err)
	}
	r.hub.BroadcastRaw(env.Event, env.Data)
}

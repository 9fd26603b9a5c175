package middleware

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"celdas-api/internal/logger"
)

// 文档注释：令牌桶限流（每秒）
// 背景：占用更新会触发全量重算与广播，对写入口限速防止前端异常重放拖垮服务；SSE 与静态资源不受限。
// 约束：简化实现，不排队，超限直接返回 429。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
	now      func() time.Time
}

func NewTokenBucket(qps int) *TokenBucket {
	tb := &TokenBucket{capacity: qps, tokens: qps, now: time.Now}
	tb.lastSec = tb.now().Unix()
	return tb
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：仅对非 GET 请求计数
func RateLimit(tb *TokenBucket, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && !tb.Allow() {
			logger.L().Debug("rate_limited", "path", r.URL.Path, "ip", r.RemoteAddr)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// 文档注释：按环境变量包装限流
// 约束：RATE_LIMIT_ENABLED=true 时启用；RATE_LIMIT_QPS 默认 50。
func Wrap(next http.Handler) http.Handler {
	if strings.ToLower(os.Getenv("RATE_LIMIT_ENABLED")) != "true" {
		return next
	}
	qps := 50
	if s := os.Getenv("RATE_LIMIT_QPS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			qps = n
		}
	}
	logger.L().Info("rate_limit_enabled", "qps", qps)
	return RateLimit(NewTokenBucket(qps), next)
}

// 包 utils：Redis 连接与证书等进程级工具，统一环境变量读取
package utils

import (
	"os"
	"strconv"

	"celdas-api/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis：使用地址与密码打开 Redis 客户端；地址为空返回 nil
func OpenRedis(addr, pass string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass})
}

// 文档注释：从环境变量打开 Redis 客户端
// 背景：Redis 仅用于多实例推送转发，单实例部署无需配置；REDIS_ENABLED=true 时才创建客户端。
// 约束：REDIS_DB 解析失败时回退到 0；未启用返回 nil。
func OpenRedisFromEnv() *redis.Client {
	if os.Getenv("REDIS_ENABLED") != "true" {
		return nil
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	addr := host + ":" + port
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			db = n
		}
	}
	logger.L().Debug("redis_env", "addr", addr, "db", db)
	return redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS"), DB: db})
}

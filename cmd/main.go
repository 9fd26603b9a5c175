// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"celdas-api/internal/api"
	"celdas-api/internal/geo"
	"celdas-api/internal/logger"
	"celdas-api/internal/metrics"
	"celdas-api/internal/middleware"
	"celdas-api/internal/occupancy"
	"celdas-api/internal/push"
	"celdas-api/internal/utils"

	"github.com/joho/godotenv"
)

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiBase := envOr("API_BASE", "/api")
	ui := envOr("UI_DIST", filepath.Join("ui", "dist"))
	datasetPath := envOr("DATASET_PATH", filepath.Join("data", "celdas"))
	l.Debug("config", "api_base", apiBase, "ui", ui, "dataset", datasetPath)

	grouper, err := geo.GrouperFor(os.Getenv("GROUPING_STRATEGY"))
	if err != nil {
		l.Error("config_grouping_error", "err", err)
		os.Exit(1)
	}
	hub := push.NewHub()
	mgr := occupancy.NewManager(occupancy.Options{
		Grouper:   grouper,
		Cache:     occupancy.NewLRU(envInt("GROUP_CACHE_SIZE", 256), envInt("GROUP_CACHE_TTL_S", 0)),
		Publisher: hub,
	})

	// 背景：Redis 仅用于多实例广播；不可用时退回进程内广播
	if rc := utils.OpenRedisFromEnv(); rc == nil {
		l.Info("redis_disabled")
	} else if err := rc.Ping(ctx).Err(); err != nil {
		l.Error("redis_ping_error", "err", err)
	} else {
		l.Info("redis_ping_ok")
		relay := push.NewRelay(rc, hub, os.Getenv("PUSH_CHANNEL"))
		relay.Handle(occupancy.EventState, api.RemoteState(mgr, hub))
		ready := make(chan struct{})
		go func() {
			if err := relay.Run(ctx, ready); err != nil && ctx.Err() == nil {
				l.Error("relay_error", "err", err)
			}
		}()
		select {
		case <-ready:
			mgr.SetPublisher(relay)
		case <-time.After(5 * time.Second):
			l.Error("relay_subscribe_timeout")
		}
		defer rc.Close()
	}

	// 背景：数据集加载是唯一的 I/O 阶段；期间更新请求返回 NotLoaded，失败后保持未加载直到重启
	go func() {
		t0 := time.Now()
		ds, err := geo.LoadDataset(datasetPath, geo.LoadOptions{
			KeyField: envOr("CELL_KEY_FIELD", geo.DefaultKeyField),
			WorkDir:  os.Getenv("DATASET_WORKDIR"),
		})
		if err != nil {
			l.Error("dataset_load_error", "path", datasetPath, "err", err)
			mgr.Fail(err)
			return
		}
		if ds.Duplicates > 0 {
			l.Warn("dataset_duplicate_cells", "count", ds.Duplicates)
		}
		if err := mgr.Load(ds); err != nil {
			l.Error("dataset_attach_error", "err", err)
			return
		}
		l.Info("dataset_load_ok", "cells", len(ds.Cells), "ms", time.Since(t0).Milliseconds())
	}()

	mux := http.NewServeMux()
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, api.BuildRoutes(mgr, hub)))
	mux.Handle(apiBase+"/metrics", metrics.Handler())
	mux.Handle("/", http.FileServer(http.Dir(ui)))
	// NOTE: 向前端暴露 API 基础路径，避免硬编码
	mux.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__='" + apiBase + "'\n"))
	})

	addr := envOr("ADDR", ":8080")
	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	s := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()

	if envOr("TLS_ENABLE", "false") == "true" {
		certPath := envOr("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
		keyPath := envOr("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
		if err := utils.EnsureSelfSignedCert(certPath, keyPath, envOr("TLS_HOST", "celdas.local")); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", addr, "cert", certPath)
		if err := s.ListenAndServeTLS(certPath, keyPath); err != nil && err != http.ErrServerClosed {
			l.Error("server_error", "err", err)
		}
		return
	}
	l.Info("listening", "addr", addr)
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		l.Error("server_error", "err", err)
	}
}

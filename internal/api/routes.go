// 包 api：集中注册 HTTP API 路由以解耦主入口；推送端点、占用更新与状态查询
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"celdas-api/internal/logger"
	"celdas-api/internal/occupancy"
	"celdas-api/internal/push"
)

// HeaderConnection：请求方 SSE 连接 ID（来自 conexion 事件）
const HeaderConnection = "X-Conexion-Id"

// maxBody：更新请求体上限
const maxBody = 4 << 20

type errorPayload struct {
	Message string `json:"message"`
}

// 文档注释：构建并返回 API 路由
// 背景：独立 ServeMux 便于在主入口挂载到 API 前缀；更新结果只回给请求方，三元组由 Manager 广播给全体。
func BuildRoutes(mgr *occupancy.Manager, hub *push.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	// 初始状态在状态锁内入队，之后的更新广播只会排在它后面
	mux.Handle("/eventos", hub.Handler(func(ctx context.Context, id string) {
		mgr.WithSnapshot(func(st occupancy.State) {
			if err := hub.SendTo(id, occupancy.EventState, st); err != nil {
				logger.L().Warn("push_initial_state_error", "conn", id, "err", err)
			}
		})
	}))

	mux.HandleFunc("/actualizar-celdas", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, errorPayload{Message: "method not allowed"})
			return
		}
		conn := r.Header.Get(HeaderConnection)
		var body any
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
		if err := dec.Decode(&body); err != nil {
			logger.L().Debug("update_bad_body", "conn", conn, "err", err)
			fail(hub, w, conn, http.StatusBadRequest, "invalid JSON body")
			return
		}
		areas, err := mgr.Update(r.Context(), body)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, occupancy.ErrNotLoaded) {
				status = http.StatusServiceUnavailable
			}
			logger.L().Info("update_rejected", "conn", conn, "err", err)
			fail(hub, w, conn, status, err.Error())
			return
		}
		if conn != "" {
			if err := hub.SendTo(conn, occupancy.EventAreas, areas); err != nil {
				logger.L().Debug("push_areas_error", "conn", conn, "err", err)
			}
		}
		writeJSON(w, http.StatusOK, areas)
	})

	mux.HandleFunc("/estado", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.Snapshot())
	})

	mux.HandleFunc("/areas", func(w http.ResponseWriter, r *http.Request) {
		areas, err := mgr.Areas()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorPayload{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, areas)
	})

	return mux
}

// 文档注释：远端三元组处理函数（登记到 push.Relay）
// 背景：其他实例的更新经 Redis 到达时，先让本实例状态跟随，再由 Manager 在锁内投递给本地连接。
func RemoteState(mgr *occupancy.Manager, hub *push.Hub) push.RemoteHandler {
	return func(ctx context.Context, data json.RawMessage) error {
		var st occupancy.State
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		return mgr.ApplyRemote(ctx, st.Occupied, hub)
	}
}

// fail：错误仅回给请求方（HTTP 响应 + 该连接的 error 事件），不影响其他连接
func fail(hub *push.Hub, w http.ResponseWriter, conn string, status int, msg string) {
	if conn != "" {
		_ = hub.SendTo(conn, occupancy.EventError, errorPayload{Message: msg})
	}
	writeJSON(w, status, errorPayload{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celdas_updates_total",
		Help: "Total number of successful occupancy updates",
	})
	UpdateFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celdas_update_fail_total",
		Help: "Total number of rejected occupancy updates by reason",
	}, []string{"reason"})
	UpdateDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "celdas_update_duration_ms",
		Help:    "Occupancy update duration in milliseconds (filter + grouping)",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	GroupCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celdas_group_cache_hits_total",
		Help: "Total grouping cache hits",
	})
	GroupCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celdas_group_cache_misses_total",
		Help: "Total grouping cache misses",
	})
	FreeCells = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celdas_free_cells",
		Help: "Free cells after the latest update",
	})
	FreeGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celdas_free_groups",
		Help: "Free groups after the latest update",
	})
	LoadedCells = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celdas_loaded_cells",
		Help: "Cells known from the geometry dataset",
	})
	BroadcastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celdas_broadcast_total",
		Help: "Push events broadcast by event name",
	}, []string{"event"})
	BroadcastFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celdas_broadcast_fail_total",
		Help: "Broadcast failures (relay publish errors)",
	})
	DroppedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celdas_dropped_events_total",
		Help: "Events dropped because a subscriber buffer was full",
	})
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "celdas_connections",
		Help: "Currently connected push subscribers",
	})
)

func init() {
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(UpdateFailTotal)
	prometheus.MustRegister(UpdateDurationMs)
	prometheus.MustRegister(GroupCacheHitsTotal)
	prometheus.MustRegister(GroupCacheMissesTotal)
	prometheus.MustRegister(FreeCells)
	prometheus.MustRegister(FreeGroups)
	prometheus.MustRegister(LoadedCells)
	prometheus.MustRegister(BroadcastTotal)
	prometheus.MustRegister(BroadcastFailTotal)
	prometheus.MustRegister(DroppedEventsTotal)
	prometheus.MustRegister(Connections)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }

package occupancy

import (
	"context"
	"sync"
	"time"

	"celdas-api/internal/geo"
	"celdas-api/internal/logger"
	"celdas-api/internal/metrics"
)

// 文档注释：占用状态管理器
// 背景：持有 (全部, 占用, 空闲) 三元组与只读包围盒表；两种状态 Unloaded（初始）与 Loaded（终态）。
// 约束：三元组与分组计算在同一把锁内完成，保证并发请求之间不交错；推送在锁外进行，避免慢订阅者阻塞更新。
type Manager struct {
	mu      sync.Mutex
	loaded  bool
	loadErr error
	table   geo.Table
	state   State
	grouper geo.Grouper
	cache   *LRU
	pub     Publisher
}

// Options：grouper 为空时使用 geo.GroupGrid；Cache 为 nil 时不缓存
type Options struct {
	Grouper   geo.Grouper
	Cache     *LRU
	Publisher Publisher
}

func NewManager(opts Options) *Manager {
	g := opts.Grouper
	if g == nil {
		g = geo.GroupGrid
	}
	return &Manager{grouper: g, cache: opts.Cache, pub: opts.Publisher, state: emptyState()}
}

func emptyState() State {
	return State{All: []string{}, Occupied: []string{}, Free: []string{}}
}

// SetPublisher：在启动阶段替换推送出口（例如 Redis 转发就绪后）
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

// 文档注释：完成加载，进入 Loaded 终态
// 背景：初始占用为空，空闲等于全部单元；包围盒表此后不再修改。
func (m *Manager) Load(ds *geo.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return ErrAlreadyLoaded
	}
	all := append([]string{}, ds.Cells...)
	m.table = ds.Table
	m.state = State{All: all, Occupied: []string{}, Free: append([]string{}, all...)}
	m.loaded = true
	m.loadErr = nil
	metrics.LoadedCells.Set(float64(len(all)))
	metrics.FreeCells.Set(float64(len(all)))
	logger.L().Info("occupancy_loaded", "cells", len(all), "boxes", len(ds.Table))
	return nil
}

// Fail：记录加载失败；状态保持 Unloaded，不重试
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return
	}
	m.loadErr = err
	logger.L().Error("occupancy_load_failed", "err", err)
}

// Loaded：是否已加载；LoadErr：最近一次加载失败原因
func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Manager) LoadErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Snapshot：当前三元组副本
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// 文档注释：应用一次占用更新
// 背景：整体替换三元组并重新分组；成功后向所有观察者广播新三元组（不只是请求方），广播失败只记录。
// 约束：未加载时返回 ErrNotLoaded 且不改变状态、不广播；非序列参数视为空占用。
// 广播在锁内完成，观察者收到的三元组顺序与状态变更顺序一致；Publisher 不得回调 Manager。
func (m *Manager) Update(ctx context.Context, newOccupied any) ([]Area, error) {
	t0 := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		metrics.UpdateFailTotal.WithLabelValues("not_loaded").Inc()
		return nil, ErrNotLoaded
	}
	snap := m.replaceLocked(coerceOccupied(newOccupied))
	groups := m.groupsLocked(snap.Free)
	areas := areasFrom(groups)
	metrics.UpdatesTotal.Inc()
	metrics.FreeGroups.Set(float64(len(groups)))
	metrics.UpdateDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	logger.L().Debug("occupancy_updated", "occupied", len(snap.Occupied), "free", len(snap.Free), "groups", len(groups))
	m.publishLocked(ctx, m.pub, snap)
	return areas, nil
}

// 文档注释：应用其他实例广播的占用集
// 背景：多实例部署时，本实例的状态需跟随远端更新，否则 /estado、/areas 与新连接的初始状态会落后于观察者已收到的广播。
// 约束：只通过 local 投递给本实例连接，不再经 Redis 转发；未加载时返回 ErrNotLoaded。
func (m *Manager) ApplyRemote(ctx context.Context, occupied []string, local Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	snap := m.replaceLocked(coerceOccupied(occupied))
	logger.L().Debug("occupancy_remote_applied", "occupied", len(snap.Occupied), "free", len(snap.Free))
	m.publishLocked(ctx, local, snap)
	return nil
}

// WithSnapshot：在状态锁内以当前三元组调用 fn；用于新连接的初始状态，使其不会晚于更新的广播入队
func (m *Manager) WithSnapshot(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(cloneState(m.state))
}

// replaceLocked：按占用集重算空闲集合并整体替换三元组，返回副本
func (m *Manager) replaceLocked(occupied []string) State {
	taken := make(map[string]struct{}, len(occupied))
	for _, id := range occupied {
		taken[id] = struct{}{}
	}
	free := make([]string, 0, len(m.state.All))
	for _, id := range m.state.All {
		if _, ok := taken[id]; !ok {
			free = append(free, id)
		}
	}
	m.state = State{All: m.state.All, Occupied: occupied, Free: free}
	metrics.FreeCells.Set(float64(len(free)))
	return cloneState(m.state)
}

func (m *Manager) publishLocked(ctx context.Context, pub Publisher, snap State) {
	if pub == nil {
		return
	}
	if err := pub.Broadcast(ctx, EventState, snap); err != nil {
		logger.L().Error("broadcast_error", "event", EventState, "err", err)
	}
}

// Areas：当前空闲集合的区域（不改变状态、不广播）
func (m *Manager) Areas() ([]Area, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	return areasFrom(m.groupsLocked(m.state.Free)), nil
}

func (m *Manager) groupsLocked(free []string) [][]string {
	if gs, ok := m.cache.Get(free); ok {
		metrics.GroupCacheHitsTotal.Inc()
		return gs
	}
	if m.cache != nil {
		metrics.GroupCacheMissesTotal.Inc()
	}
	gs := m.grouper(free, m.table)
	m.cache.Set(free, gs)
	return gs
}

func cloneState(s State) State {
	return State{
		All:      append([]string{}, s.All...),
		Occupied: append([]string{}, s.Occupied...),
		Free:     append([]string{}, s.Free...),
	}
}

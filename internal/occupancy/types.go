// 包 occupancy：单元占用状态的唯一持有者；接收占用更新、重算空闲集合与空闲区域并推送给观察者
package occupancy

import (
	"context"
	"errors"
	"strings"
)

// 推送事件名（与前端约定，勿随意更改）
const (
	EventState = "actualizacion-celdas"
	EventAreas = "areas-actualizadas"
	EventError = "error"
)

// AreaLabel：空闲区域固定名称
const AreaLabel = "Área libre"

var (
	// ErrNotLoaded：数据集尚未加载完成（或加载失败）时拒绝更新
	ErrNotLoaded = errors.New("occupancy: cell dataset not loaded")
	// ErrAlreadyLoaded：已加载状态为终态，不允许重复加载
	ErrAlreadyLoaded = errors.New("occupancy: cell dataset already loaded")
)

// 文档注释：占用状态三元组（对外序列化）
// 约束：Free 与 Occupied 不相交；整体替换，不做增量。
type State struct {
	All      []string `json:"todas"`
	Occupied []string `json:"ocupadas"`
	Free     []string `json:"libres"`
}

// 文档注释：空闲区域（一个分组的对外包装）
// 背景：Celdas 为单元素数组，内容是以 ", " 连接的组成员；这是前端约定的打包格式。
type Area struct {
	Name      string   `json:"Nombre"`
	Reference string   `json:"Referencia"`
	Cells     []string `json:"Celdas"`
}

// Members：还原 Celdas 中的成员列表
func (a Area) Members() []string {
	if len(a.Cells) == 0 || a.Cells[0] == "" {
		return nil
	}
	return strings.Split(a.Cells[0], ", ")
}

// Publisher：推送出口；Manager 在每次成功更新后调用，失败只记录不回滚
type Publisher interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

func areasFrom(groups [][]string) []Area {
	out := make([]Area, 0, len(groups))
	for _, g := range groups {
		out = append(out, Area{Name: AreaLabel, Reference: g[0], Cells: []string{strings.Join(g, ", ")}})
	}
	return out
}

// 文档注释：将任意更新参数规整为占用序列
// 背景：请求体来自外部，可能是字符串数组、混合数组或标量；非序列按空处理。
// 约束：仅保留字符串成员，原样保留（不去空白，成员判断按给定值精确匹配）。
func coerceOccupied(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

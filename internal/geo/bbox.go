package geo

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// 文档注释：构建包围盒表与单元列表
// 背景：每条记录取标识属性并去除首尾空白；缺失或为空的记录直接丢弃（不视为错误）。
// 约束：几何缺失或无坐标的记录同样丢弃，因此 Cells 中的每个标识都有包围盒；重复标识保留在 Cells 中，包围盒以后者为准。
func Build(records []Record, keyField string) *Dataset {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	ds := &Dataset{Table: make(Table), Records: len(records)}
	for _, r := range records {
		id := cellID(r.Properties, keyField)
		if id == "" {
			ds.Skipped++
			continue
		}
		if r.Geometry == nil {
			ds.Skipped++
			continue
		}
		b, ok := geometryBound(*r.Geometry)
		if !ok {
			ds.Skipped++
			continue
		}
		if ds.Table.Has(id) {
			ds.Duplicates++
		}
		ds.Cells = append(ds.Cells, id)
		ds.Table[id] = b
	}
	return ds
}

func cellID(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// 几何包围盒：遍历全部位置（含 GeometryCollection 子几何）
func geometryBound(g Geometry) (orb.Bound, bool) {
	var b orb.Bound
	seen := false
	add := func(x, y float64) {
		p := orb.Point{x, y}
		if !seen {
			b = p.Bound()
			seen = true
			return
		}
		b = b.Extend(p)
	}
	walkPositions(g.Coordinates, add)
	for _, sub := range g.Geometries {
		if sb, ok := geometryBound(sub); ok {
			add(sb.Min[0], sb.Min[1])
			add(sb.Max[0], sb.Max[1])
		}
	}
	return b, seen
}

// 文档注释：嵌套坐标遍历
// 背景：坐标结构深度不定（Point/LineString/Polygon/MultiPolygon）；位置为数值数组，取前两个值为 X/Y。
// 约束：Z/M 维度被忽略，不会错位；长度不足 2 的数组跳过。
func walkPositions(v any, fn func(x, y float64)) {
	switch c := v.(type) {
	case []float64:
		if len(c) >= 2 {
			fn(c[0], c[1])
		}
	case [][]float64:
		for _, p := range c {
			walkPositions(p, fn)
		}
	case []any:
		if x, y, ok := position(c); ok {
			fn(x, y)
			return
		}
		for _, it := range c {
			walkPositions(it, fn)
		}
	}
}

func position(c []any) (float64, float64, bool) {
	if len(c) < 2 {
		return 0, 0, false
	}
	x, ok1 := toFloat(c[0])
	y, ok2 := toFloat(c[1])
	return x, y, ok1 && ok2
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

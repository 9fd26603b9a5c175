// 包 geo：单元格几何的最小模型与构建；包围盒、邻接判定与空闲单元分组均在此包内完成
package geo

import "github.com/paulmach/orb"

// 文档注释：几何记录（数据集中的一条要素）
// 背景：与 GeoJSON Feature 同构，属性为任意键值，几何保留嵌套坐标数组；shapefile 读取后也统一转换为此结构。
// 约束：Geometry 可为空；Coordinates 允许任意嵌套深度，位置为长度≥2 的数值数组。
type Record struct {
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// Geometry：GeoJSON 几何；GeometryCollection 通过 Geometries 承载子几何
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates any        `json:"coordinates"`
	Geometries  []Geometry `json:"geometries,omitempty"`
}

// 文档注释：包围盒表（单元标识 → 包围盒）
// 背景：加载时一次性构建，进程生命周期内只读，可被并发读取无需加锁。
// 约束：包围盒满足 Min ≤ Max；重复标识以后出现的记录为准。
type Table map[string]orb.Bound

// Has：是否存在该单元的包围盒
func (t Table) Has(id string) bool {
	_, ok := t[id]
	return ok
}

// 文档注释：数据集构建结果
// 背景：Cells 为记录顺序下的全部有效标识（保留重复）；Table 仅含具备可用几何的单元。
type Dataset struct {
	Table      Table
	Cells      []string
	Records    int
	Skipped    int
	Duplicates int
}

// DefaultKeyField：单元标识所在属性名
const DefaultKeyField = "CELL_KEY_I"

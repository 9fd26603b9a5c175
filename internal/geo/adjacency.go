package geo

// 文档注释：邻接判定（包围盒重叠或接触）
// 背景：作为真实空间相邻的粗略近似，仅排除明确分离的情况；多边形不接触但包围盒重叠时会误判为相邻，属已接受的近似。
// 约束：边界接触视为相邻（闭区间比较）；任一单元缺少包围盒时返回 false，调用方应先以 Has 过滤。
func (t Table) Adjacent(a, b string) bool {
	ba, ok := t[a]
	if !ok {
		return false
	}
	bb, ok := t[b]
	if !ok {
		return false
	}
	return ba.Intersects(bb)
}

package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

type cellKey struct{ x, y int }

// maxSpan：单个包围盒最多登记的桶数，超过的盒进入 wide 列表
const maxSpan = 64

// 文档注释：均匀网格分桶（仅用于邻居候选筛选）
// 背景：桶尺寸取空闲包围盒的平均边长；接触的两个盒至少共享一个桶。
// 约束：覆盖桶数超过 maxSpan 的盒不登记到桶，而是放入 wide，所有候选查询都会带上 wide；
// 以 wide 盒为中心的查询直接返回全部位置。桶总数因此不超过 maxSpan·F。
// 不是完整空间索引，只服务一次分组调用，调用结束即丢弃。
type grid struct {
	size    float64
	originX float64
	originY float64
	n       int
	buckets map[cellKey][]int
	wide    []int
}

func newGrid(free []string, t Table) *grid {
	g := &grid{buckets: make(map[cellKey][]int), n: len(free)}
	var sum float64
	n := 0
	first := true
	for _, id := range free {
		b, ok := t[id]
		if !ok {
			continue
		}
		if first {
			g.originX, g.originY = b.Min[0], b.Min[1]
			first = false
		}
		g.originX = math.Min(g.originX, b.Min[0])
		g.originY = math.Min(g.originY, b.Min[1])
		sum += (b.Max[0] - b.Min[0]) + (b.Max[1] - b.Min[1])
		n += 2
	}
	g.size = 1
	if n > 0 && sum > 0 {
		g.size = sum / float64(n)
	}
	for j, id := range free {
		b, ok := t[id]
		if !ok {
			continue
		}
		if g.span(b) > maxSpan {
			g.wide = append(g.wide, j)
			continue
		}
		g.each(b, func(k cellKey) { g.buckets[k] = append(g.buckets[k], j) })
	}
	return g
}

// span：b 覆盖的桶数（浮点计算，避免极端坐标下溢出）
func (g *grid) span(b orb.Bound) float64 {
	w := math.Floor((b.Max[0]-g.originX)/g.size) - math.Floor((b.Min[0]-g.originX)/g.size) + 1
	h := math.Floor((b.Max[1]-g.originY)/g.size) - math.Floor((b.Min[1]-g.originY)/g.size) + 1
	return w * h
}

func (g *grid) index(v, origin float64) int {
	return int(math.Floor((v - origin) / g.size))
}

func (g *grid) each(b orb.Bound, fn func(cellKey)) {
	x0, x1 := g.index(b.Min[0], g.originX), g.index(b.Max[0], g.originX)
	y0, y1 := g.index(b.Min[1], g.originY), g.index(b.Max[1], g.originY)
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			fn(cellKey{x, y})
		}
	}
}

// candidates：与 b 共享桶的空闲位置加上 wide，去重并按位置升序
func (g *grid) candidates(b orb.Bound) []int {
	if g.span(b) > maxSpan {
		out := make([]int, g.n)
		for j := range out {
			out[j] = j
		}
		return out
	}
	seen := make(map[int]struct{})
	var out []int
	add := func(j int) {
		if _, ok := seen[j]; ok {
			return
		}
		seen[j] = struct{}{}
		out = append(out, j)
	}
	g.each(b, func(k cellKey) {
		for _, j := range g.buckets[k] {
			add(j)
		}
	})
	for _, j := range g.wide {
		add(j)
	}
	sort.Ints(out)
	return out
}

package geo

import (
	"fmt"
	"strings"
)

// Grouper：空闲单元分组函数，输入为空闲序列与包围盒表
type Grouper func(free []string, t Table) [][]string

// 文档注释：按名称选择分组实现
// 背景：scan 为逐一扫描的基准实现；grid 使用网格分桶筛选候选，输出与 scan 完全一致。
func GrouperFor(name string) (Grouper, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "grid":
		return GroupGrid, nil
	case "scan":
		return GroupScan, nil
	}
	return nil, fmt.Errorf("geo: unknown grouping strategy %q", name)
}

// 文档注释：空闲单元连通分组（基准实现）
// 背景：在空闲单元上做无权无向图的连通分量，边由 Adjacent 决定；按空闲序列顺序选取种子，栈式遍历。
// 约束：缺少包围盒的单元不进入任何分组；组内顺序为加入顺序（种子在首位）；复杂度 O(F²)。
func GroupScan(free []string, t Table) [][]string {
	return group(free, t, func(cur string, visit func(j int)) {
		for j := range free {
			visit(j)
		}
	})
}

// 文档注释：空闲单元连通分组（网格加速）
// 背景：包围盒登记到其覆盖的网格桶（过大的盒单独列出），邻居候选只来自同桶与大盒列表；候选按空闲序列位置升序检查，保证与 GroupScan 输出逐项一致。
func GroupGrid(free []string, t Table) [][]string {
	g := newGrid(free, t)
	return group(free, t, func(cur string, visit func(j int)) {
		for _, j := range g.candidates(t[cur]) {
			visit(j)
		}
	})
}

// group：公共遍历骨架，neighbors 以空闲序列位置升序回调候选
func group(free []string, t Table, neighbors func(cur string, visit func(j int))) [][]string {
	visited := make(map[string]bool, len(free))
	var out [][]string
	for _, seed := range free {
		if visited[seed] || !t.Has(seed) {
			continue
		}
		visited[seed] = true
		members := []string{seed}
		stack := []string{seed}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			neighbors(cur, func(j int) {
				other := free[j]
				if visited[other] || !t.Has(other) || !t.Adjacent(cur, other) {
					return
				}
				visited[other] = true
				members = append(members, other)
				stack = append(stack, other)
			})
		}
		out = append(out, members)
	}
	return out
}

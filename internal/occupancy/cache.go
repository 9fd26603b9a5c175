package occupancy

import (
	"container/list"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// 文档注释：分组结果 LRU 缓存（空闲序列指纹为键）
// 背景：分组是空闲序列的纯函数，前端常重复提交相同占用集；命中时跳过 O(F²) 遍历。
// 约束：键区分顺序（分组输出顺序依赖空闲序列顺序）；条目保存完整空闲序列，指纹相同但序列不同按未命中处理。
// 取出与写入均复制，调用方不会共享切片。
type LRU struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	lst  *list.List
	dict map[uint64]*list.Element
	hash func([]string) uint64
}

type kv struct {
	k    uint64
	free []string
	v    [][]string
	exp  time.Time
}

// NewLRU：capacity ≤ 0 时返回 nil（关闭缓存），ttlSec ≤ 0 时不过期
func NewLRU(capacity int, ttlSec int) *LRU {
	if capacity <= 0 {
		return nil
	}
	return &LRU{cap: capacity, ttl: time.Duration(ttlSec) * time.Second, lst: list.New(), dict: make(map[uint64]*list.Element), hash: fingerprint}
}

// fingerprint：空闲序列指纹，以 0 字节分隔避免拼接歧义
func fingerprint(free []string) uint64 {
	d := xxhash.New()
	for _, id := range free {
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Get：按空闲序列取分组结果
func (c *LRU) Get(free []string) ([][]string, bool) {
	if c == nil {
		return nil, false
	}
	k := c.hash(free)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.dict[k]
	if !ok {
		return nil, false
	}
	it := e.Value.(kv)
	if c.ttl > 0 && !time.Now().Before(it.exp) {
		c.lst.Remove(e)
		delete(c.dict, k)
		return nil, false
	}
	if !slices.Equal(it.free, free) {
		return nil, false
	}
	c.lst.MoveToFront(e)
	return cloneGroups(it.v), true
}

// Set：写入分组结果；指纹冲突时覆盖旧条目
func (c *LRU) Set(free []string, v [][]string) {
	if c == nil {
		return
	}
	k := c.hash(free)
	c.mu.Lock()
	defer c.mu.Unlock()
	it := kv{k: k, free: append([]string(nil), free...), v: cloneGroups(v), exp: time.Now().Add(c.ttl)}
	if e, ok := c.dict[k]; ok {
		e.Value = it
		c.lst.MoveToFront(e)
		return
	}
	c.dict[k] = c.lst.PushFront(it)
	for c.lst.Len() > c.cap {
		back := c.lst.Back()
		delete(c.dict, back.Value.(kv).k)
		c.lst.Remove(back)
	}
}

// Len：当前条目数
func (c *LRU) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}

func cloneGroups(gs [][]string) [][]string {
	out := make([][]string, len(gs))
	for i, g := range gs {
		out[i] = append([]string(nil), g...)
	}
	return out
}

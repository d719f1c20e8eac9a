// Package temporal 提供对帧下标序列的时序扰动（打乱/倒序）。
package temporal

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// Transform 把一个有序帧下标序列变换为等长的新序列。
//
// 约束：
// - 不得修改入参（调用方会保留原序列用于 normal 分支）
// - 输出长度必须与输入相同
// - 实现必须并发安全（数据集会被多个 worker 同时调用）
type Transform interface {
	Name() string
	Apply(idx []int) []int
}

// Func 把普通函数适配为 Transform。
type Func struct {
	N string
	F func([]int) []int
}

func (f Func) Name() string          { return f.N }
func (f Func) Apply(idx []int) []int { return f.F(idx) }

// Identity 原样返回（拷贝）。
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Apply(idx []int) []int { return append([]int(nil), idx...) }

// Reverse 把序列倒序。
type Reverse struct{}

func (Reverse) Name() string { return "reverse" }

func (Reverse) Apply(idx []int) []int {
	out := make([]int, len(idx))
	for i, v := range idx {
		out[len(idx)-1-i] = v
	}
	return out
}

// Shuffle 随机打乱序列。内部持有自己的随机源，用互斥锁保护。
type Shuffle struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewShuffle 用给定种子构造 Shuffle（同种子 => 同一串打乱结果）。
func NewShuffle(seed int64) *Shuffle {
	return &Shuffle{rnd: rand.New(rand.NewSource(seed))}
}

func (s *Shuffle) Name() string { return "shuffle" }

func (s *Shuffle) Apply(idx []int) []int {
	out := append([]int(nil), idx...)
	s.mu.Lock()
	s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

// New 按名字构造 Transform；seed 只对 shuffle 生效。
func New(name string, seed int64) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "shuffle":
		return NewShuffle(seed), nil
	case "reverse":
		return Reverse{}, nil
	case "identity", "none", "":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("temp_transform 只能是 %s，实际是 %q", strings.Join(Names(), "/"), name)
	}
}

// Names 返回可用的变换名（稳定排序）。
func Names() []string {
	names := []string{"identity", "reverse", "shuffle"}
	sort.Strings(names)
	return names
}

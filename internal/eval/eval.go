// Package eval 提供单样本分类评估所需的数学工具。
package eval

import (
	"math"
	"sort"
)

// Softmax 返回数值稳定的 softmax（先减去最大值）。空输入返回 nil。
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxV := float64(logits[0])
	for _, v := range logits[1:] {
		maxV = math.Max(maxV, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v) - maxV)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Finite 判断 logits 中没有 NaN 与 ±Inf。空输入视为 false。
func Finite(logits []float32) bool {
	if len(logits) == 0 {
		return false
	}
	for _, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// MSE 返回两个等长向量的均方误差；长度不同或为空时返回 NaN。
func MSE(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s / float64(len(a))
}

// ArgMax 返回最大值下标（并列取第一个）；空输入返回 -1。
func ArgMax[T float32 | float64](v []T) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// TopK 返回按分数降序的前 k 个下标（分数相同按下标升序）。
func TopK(logits []float32, k int) []int {
	if k > len(logits) {
		k = len(logits)
	}
	if k <= 0 {
		return nil
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return logits[idx[i]] > logits[idx[j]] })
	return idx[:k]
}

// Precision 返回单个样本的 top-k 精度（百分比：命中 100，未命中 0），与 topk 一一对应。
// k 大于类别数时按类别数计算。
func Precision(logits []float32, target int, topk ...int) []float64 {
	maxK := 0
	for _, k := range topk {
		if k > maxK {
			maxK = k
		}
	}
	ranked := TopK(logits, maxK)

	out := make([]float64, len(topk))
	for i, k := range topk {
		for j := 0; j < k && j < len(ranked); j++ {
			if ranked[j] == target {
				out[i] = 100
				break
			}
		}
	}
	return out
}

// Meter 维护最近值与滑动平均。零值可用。
type Meter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Update 记录一个值，n 为其权重（样本数）。
func (m *Meter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Reset 清零。
func (m *Meter) Reset() { *m = Meter{} }

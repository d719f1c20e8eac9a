// Package sampler 计算 TSN 分段采样的帧下标。
//
// 所有函数都是纯函数（Train 的随机性完全来自调用方注入的 rng），返回值均为 1-based 帧号。
package sampler

import (
	"math"
	"math/rand"
	"sort"
)

// Train 是训练期的随机采样：每段内随机取一个锚点。
//
// 规则：
//   - avg = (numFrames-newLength+1) / numSegments（整除）
//   - avg > 0：第 k 段锚点 = k*avg + U[0, avg)
//   - 否则若 numFrames > numSegments：在 [0, numFrames-newLength+1) 内独立抽 numSegments 个数并升序
//   - 否则全部为 0
//
// 最终每个锚点 +1。
func Train(numFrames, numSegments, newLength int, rng *rand.Rand) []int {
	if numSegments <= 0 {
		return []int{}
	}
	out := make([]int, numSegments)
	span := numFrames - newLength + 1
	avg := floorDiv(span, numSegments)

	switch {
	case avg > 0:
		for k := range out {
			out[k] = k*avg + rng.Intn(avg)
		}
	case numFrames > numSegments && span > 0:
		for k := range out {
			out[k] = rng.Intn(span)
		}
		sort.Ints(out)
	default:
		// 全 0
	}

	for k := range out {
		out[k]++
	}
	return out
}

// Val 是验证期的确定性采样：取每段中点；帧数不足时退化为全 1。
func Val(numFrames, numSegments, newLength int) []int {
	if numSegments <= 0 {
		return []int{}
	}
	if numFrames <= numSegments+newLength-1 {
		out := make([]int, numSegments)
		for k := range out {
			out[k] = 1
		}
		return out
	}
	return ticks(numFrames, numSegments, newLength)
}

// Test 是测试期的确定性采样：取每段中点。
//
// 注意：与 Val 不同，这里没有“帧数不足”保护。两者的差异是有意保留的现状，
// 统一前需要确认期望行为。
func Test(numFrames, numSegments, newLength int) []int {
	if numSegments <= 0 {
		return []int{}
	}
	return ticks(numFrames, numSegments, newLength)
}

func ticks(numFrames, numSegments, newLength int) []int {
	tick := float64(numFrames-newLength+1) / float64(numSegments)
	out := make([]int, numSegments)
	for k := range out {
		out[k] = int(math.Floor(tick/2+tick*float64(k))) + 1
	}
	return out
}

// Expand 把每个锚点展开为 newLength 个连续帧号，按段顺序拼接。
//
// 不变量：结果中每个帧号都落在 [1, numFrames]。
// 锚点先被截断到该区间；展开时帧号到达 numFrames 后不再递增。
func Expand(anchors []int, numFrames, newLength int) []int {
	if newLength < 1 {
		newLength = 1
	}
	out := make([]int, 0, len(anchors)*newLength)
	for _, a := range anchors {
		p := clamp(a, 1, numFrames)
		for i := 0; i < newLength; i++ {
			out = append(out, p)
			if p < numFrames {
				p++
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// floorDiv 是向下取整的整除（与 Go 的截断整除在负数上不同）。
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

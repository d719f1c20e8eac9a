package app

import (
	"sort"

	"github.com/John-Robertt/TSNSens/internal/domain"
)

// GroupByClass 把条目按 ground-truth label 分组汇总。
//
// - 结果稳定排序：按 Label 升序
// - failed 条目只计入 Items/Failed；平均值只统计 ok 条目
// - ClassName 取该类别第一个非空的名字
func GroupByClass(items []domain.SensItem) []domain.ClassSummary {
	index := make(map[int]int, 64)
	out := make([]domain.ClassSummary, 0, 64)

	for _, it := range items {
		idx, ok := index[it.Label]
		if !ok {
			idx = len(out)
			index[it.Label] = idx
			out = append(out, domain.ClassSummary{Label: it.Label})
		}
		c := &out[idx]
		if c.ClassName == "" {
			c.ClassName = it.ClassName
		}
		c.Items++
		if it.Status != domain.StatusOK {
			c.Failed++
			continue
		}
		c.OK++
		if it.Flipped() {
			c.Flipped++
		}
		c.LossAvg += it.Loss
		c.Prec1 += it.Prec1
		c.NSPrec1 += it.NSPrec1
	}

	for i := range out {
		if n := float64(out[i].OK); n > 0 {
			out[i].LossAvg /= n
			out[i].Prec1 /= n
			out[i].NSPrec1 /= n
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

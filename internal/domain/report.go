package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	ErrCodeResampleExhausted = "resample_exhausted"
	ErrCodeClassifyFailed    = "classify_failed"
	ErrCodeTransformFailed   = "transform_failed"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissing     = "config_missing_manifest"
)

// SensReport 是对外稳定输出（report.json / stdout JSON）的结构。
type SensReport struct {
	RunID        string `json:"run_id"`
	ManifestPath string `json:"manifest_path"`
	Transform    string `json:"transform"`
	NumSegments  int    `json:"num_segments"`
	Modality     string `json:"modality"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary SensSummary    `json:"summary"`
	Classes []ClassSummary `json:"classes"`
	Items   []SensItem     `json:"items"`
}

// SensSummary 由 Items 计算得出（Finalize），不单独维护。
type SensSummary struct {
	Items   int `json:"items"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Flipped int `json:"flipped"` // normal 与 perturbed 的 top-1 预测不同

	LossAvg float64 `json:"loss_avg"`
	Prec1   float64 `json:"prec1"`
	Prec5   float64 `json:"prec5"`
	NSPrec1 float64 `json:"ns_prec1"`
	NSPrec5 float64 `json:"ns_prec5"`
}

// ClassSummary 是按 ground-truth 类别汇总的结果（由 Items 分组得出）。
type ClassSummary struct {
	Label     int    `json:"label"`
	ClassName string `json:"class_name"`

	Items   int `json:"items"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Flipped int `json:"flipped"`

	LossAvg float64 `json:"loss_avg"`
	Prec1   float64 `json:"prec1"`
	NSPrec1 float64 `json:"ns_prec1"`
}

// SensItem 是单个视频的敏感度结果。
type SensItem struct {
	Path      string `json:"path"`
	Label     int    `json:"label"`
	ClassName string `json:"class_name"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Indices          []int `json:"indices"`
	PerturbedIndices []int `json:"perturbed_indices"`

	// Loss 是两组 softmax 之间 MSE 的平方根。
	Loss      float64 `json:"loss"`
	Correct   bool    `json:"correct"`
	NormPred  int     `json:"n_n_pred"`
	PertPred  int     `json:"n_s_pred"`
	Prec1     float64 `json:"prec1"`
	Prec5     float64 `json:"prec5"`
	NSPrec1   float64 `json:"ns_prec1"`
	NSPrec5   float64 `json:"ns_prec5"`
	FromCache bool    `json:"from_cache"`
}

// Flipped 表示时序扰动改变了 top-1 预测。
func (it SensItem) Flipped() bool {
	return it.Status == StatusOK && it.NormPred != it.PertPred
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) items 稳定排序：ok 在前按 path 字典序；failed 排在最后
// 3) summary 由 items 计算得出（精度为 ok 条目的算术平均）
func (r *SensReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if (a.Status == StatusFailed) != (b.Status == StatusFailed) {
			return b.Status == StatusFailed
		}
		return a.Path < b.Path
	})

	s := SensSummary{Items: len(r.Items)}
	for _, it := range r.Items {
		if it.Status != StatusOK {
			s.Failed++
			continue
		}
		s.OK++
		if it.Flipped() {
			s.Flipped++
		}
		s.LossAvg += it.Loss
		s.Prec1 += it.Prec1
		s.Prec5 += it.Prec5
		s.NSPrec1 += it.NSPrec1
		s.NSPrec5 += it.NSPrec5
	}
	if s.OK > 0 {
		n := float64(s.OK)
		s.LossAvg /= n
		s.Prec1 /= n
		s.Prec5 /= n
		s.NSPrec1 /= n
		s.NSPrec5 /= n
	}
	r.Summary = s
}

// MarshalJSON 集中约束输出的稳定性：nil 切片输出为 []，而不是 null。
func (r SensReport) MarshalJSON() ([]byte, error) {
	type Alias SensReport
	a := Alias(r)
	if a.Classes == nil {
		a.Classes = []ClassSummary{}
	}
	// 拷贝一份，避免序列化改写调用方持有的切片。
	a.Items = append(make([]SensItem, 0, len(r.Items)), r.Items...)
	for i := range a.Items {
		if a.Items[i].Indices == nil {
			a.Items[i].Indices = []int{}
		}
		if a.Items[i].PerturbedIndices == nil {
			a.Items[i].PerturbedIndices = []int{}
		}
	}
	return json.Marshal(a)
}

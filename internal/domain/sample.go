package domain

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/TSNSens/internal/tensor"
)

// Modality 决定帧文件如何解码。
type Modality string

const (
	ModalityRGB     Modality = "RGB"
	ModalityRGBDiff Modality = "RGBDiff"
	ModalityFlow    Modality = "Flow"
)

// ParseModality 大小写不敏感地解析 modality。
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rgb":
		return ModalityRGB, nil
	case "rgbdiff":
		return ModalityRGBDiff, nil
	case "flow":
		return ModalityFlow, nil
	default:
		return "", fmt.Errorf("modality 只能是 RGB/RGBDiff/Flow，实际是 %q", s)
	}
}

// Mode 是数据集的取样模式（互斥）。
type Mode string

const (
	// ModeStandard：返回单一（经时序变换后的）batch + label。
	ModeStandard Mode = "standard"
	// ModeSens：同时返回 normal 与 perturbed 两个 batch（敏感度分析）。
	ModeSens Mode = "sens"
	// ModeInfer：只物化 perturbed batch，并附带视频路径。
	ModeInfer Mode = "infer"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStandard, "":
		return ModeStandard, nil
	case ModeSens:
		return ModeSens, nil
	case ModeInfer:
		return ModeInfer, nil
	default:
		return "", fmt.Errorf("mode 只能是 standard/sens/infer，实际是 %q", s)
	}
}

// Sample 是一次取样的结果。字段是否有效取决于 Mode：
//
//   - standard：Data + Label
//   - sens：Normal + Data(perturbed) + Indices + PerturbedIndices + Path + Label
//   - infer：Data(perturbed) + Path + Label
type Sample struct {
	Mode  Mode
	Index int // 实际取到的数据集下标（可能因重采样而与请求下标不同）

	Data   tensor.Tensor
	Normal tensor.Tensor

	Indices          []int
	PerturbedIndices []int

	Path  string
	Label int
}

// Fields 按 [normal, perturbed, indices, perturbed_indices, path] 的固定顺序返回 sens 模式结果。
// 非 sens 模式返回 nil。
func (s Sample) Fields() []any {
	if s.Mode != ModeSens {
		return nil
	}
	return []any{s.Normal, s.Data, s.Indices, s.PerturbedIndices, s.Path}
}

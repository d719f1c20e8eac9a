// Package classifier 定义视频分类器协作者，并提供基于 HTTP + msgpack 的远程实现。
package classifier

import (
	"context"
	"fmt"

	"github.com/John-Robertt/TSNSens/internal/tensor"
)

// Classifier 对一个样本张量输出各类别的 logits。实现必须并发安全。
type Classifier interface {
	Classify(ctx context.Context, in tensor.Tensor) ([]float32, error)
}

// Func 把普通函数适配为 Classifier。
type Func func(ctx context.Context, in tensor.Tensor) ([]float32, error)

func (f Func) Classify(ctx context.Context, in tensor.Tensor) ([]float32, error) { return f(ctx, in) }

const (
	StageEncode  = "encode"
	StageRequest = "request"
	StageStatus  = "status"
	StageDecode  = "decode"
)

// Error 是分类阶段的可追溯错误。上层统一映射为 error_code=classify_failed。
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifier stage=%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError 表示推理服务返回了非 2xx。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d：%s", e.StatusCode, e.Body)
}

package domain

import (
	"fmt"
	"strconv"
)

// MinFrames 是 manifest 中一条视频被保留的最小帧数。
const MinFrames = 3

// VideoRecord 是 manifest 中一行的只读视图：<path> <num_frames> <label>。
//
// 不变量：
// - 构造后不可变（值类型，只暴露字段拷贝）
// - 进入数据集的记录必须满足 NumFrames >= MinFrames（由 manifest 层过滤）
type VideoRecord struct {
	Path      string // 相对 root 的帧目录（原样保留，不做 Clean）
	NumFrames int
	Label     int
}

// RecordError 表示 manifest 行无法解析为 VideoRecord（字段缺失或整数非法）。
// 这是配置/数据准备错误：向上传播，不在加载阶段吞掉。
type RecordError struct {
	Line  int // 1-based；0 表示未知
	Field string
	Value string
	Err   error
}

func (e *RecordError) Error() string {
	prefix := "manifest"
	if e.Line > 0 {
		prefix = fmt.Sprintf("manifest 第 %d 行", e.Line)
	}
	if e.Value == "" && e.Err != nil {
		return fmt.Sprintf("%s：字段 %s 无效：%v", prefix, e.Field, e.Err)
	}
	return fmt.Sprintf("%s：字段 %s=%q 无效：%v", prefix, e.Field, e.Value, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

var errMissingField = fmt.Errorf("字段缺失")

// NewVideoRecord 从一行已切分的字段构造 VideoRecord。
// 字段 0 原样作为 path；字段 1/2 必须是整数。多余字段忽略。
func NewVideoRecord(row []string) (VideoRecord, error) {
	if len(row) < 1 {
		return VideoRecord{}, &RecordError{Field: "path", Err: errMissingField}
	}
	if len(row) < 2 {
		return VideoRecord{}, &RecordError{Field: "num_frames", Err: errMissingField}
	}
	if len(row) < 3 {
		return VideoRecord{}, &RecordError{Field: "label", Err: errMissingField}
	}

	n, err := strconv.Atoi(row[1])
	if err != nil {
		return VideoRecord{}, &RecordError{Field: "num_frames", Value: row[1], Err: err}
	}
	label, err := strconv.Atoi(row[2])
	if err != nil {
		return VideoRecord{}, &RecordError{Field: "label", Value: row[2], Err: err}
	}
	return VideoRecord{Path: row[0], NumFrames: n, Label: label}, nil
}

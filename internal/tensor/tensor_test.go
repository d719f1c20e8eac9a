package tensor

import (
	"errors"
	"testing"
)

func TestNewAndOffset(t *testing.T) {
	x, err := New(2, 3, 4)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if x.Len() != 24 {
		t.Fatalf("期望 24 个元素，实际 %d", x.Len())
	}
	x.Set(7, 1, 2, 3)
	if x.Data[23] != 7 || x.At(1, 2, 3) != 7 {
		t.Fatalf("行优先偏移不符合预期：%v", x.Data)
	}
	if got := x.Offset(1, 0, 0); got != 12 {
		t.Fatalf("期望 offset=12，实际 %d", got)
	}
}

func TestFromData_ShapeMismatch(t *testing.T) {
	_, err := FromData([]float32{1, 2, 3}, 2, 2)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("期望 ErrShape，实际：%v", err)
	}
	if _, err := New(0, 3); !errors.Is(err, ErrShape) {
		t.Fatalf("非正维度应返回 ErrShape，实际：%v", err)
	}
}

func TestValidate(t *testing.T) {
	x := Tensor{Shape: []int{2}, Data: []float32{1, 2}}
	if err := x.Validate(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	x.Data = x.Data[:1]
	if err := x.Validate(); err == nil {
		t.Fatalf("期望 shape 校验失败")
	}
	if !(Tensor{}).IsZero() {
		t.Fatalf("零值张量应 IsZero")
	}
}

package tensor

import (
	"errors"
	"fmt"
)

// Tensor 是按行优先（C order）存储的 float32 张量。
// 只承担“图像 batch -> 定形数值”的载体职责，不做任何运算图/自动求导。
type Tensor struct {
	Shape []int     `json:"shape" msgpack:"shape"`
	Data  []float32 `json:"data" msgpack:"data"`
}

// ErrShape 表示 shape 与 data 长度不一致，或 shape 含非正维度。
var ErrShape = errors.New("tensor: shape 非法")

// New 构造一个全零张量。
func New(shape ...int) (Tensor, error) {
	n, err := volume(shape)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}, nil
}

// FromData 用已有数据构造张量（不拷贝 data）。
func FromData(data []float32, shape ...int) (Tensor, error) {
	n, err := volume(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w：shape=%v 需要 %d 个元素，实际 %d", ErrShape, shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Len 返回元素个数。
func (t Tensor) Len() int { return len(t.Data) }

// IsZero 表示张量未被填充（零值）。
func (t Tensor) IsZero() bool { return len(t.Shape) == 0 && len(t.Data) == 0 }

// Validate 校验 shape 与 data 一致。
func (t Tensor) Validate() error {
	n, err := volume(t.Shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w：shape=%v 需要 %d 个元素，实际 %d", ErrShape, t.Shape, n, len(t.Data))
	}
	return nil
}

// Offset 把多维下标换算为 Data 中的偏移。
func (t Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: 下标维度 %d 与 shape %v 不一致", len(idx), t.Shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: 下标 %v 越界 shape=%v", idx, t.Shape))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

func (t Tensor) At(idx ...int) float32 { return t.Data[t.Offset(idx...)] }

func (t Tensor) Set(v float32, idx ...int) { t.Data[t.Offset(idx...)] = v }

func volume(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w：shape 为空", ErrShape)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w：shape=%v 含非正维度", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

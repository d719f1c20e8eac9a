// Package transform 把一组帧图片变换为定形张量（Scale → CenterCrop → Stack → ToTensor → Normalize）。
package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/John-Robertt/TSNSens/internal/infra/imgx"
	"github.com/John-Robertt/TSNSens/internal/tensor"
)

// Transform 把有序图片序列变换为定形张量。实现必须并发安全。
type Transform interface {
	Transform(imgs []image.Image) (tensor.Tensor, error)
}

// Func 把普通函数适配为 Transform。
type Func func(imgs []image.Image) (tensor.Tensor, error)

func (f Func) Transform(imgs []image.Image) (tensor.Tensor, error) { return f(imgs) }

// ErrEmptyBatch 表示输入图片序列为空。
var ErrEmptyBatch = errors.New("transform: 图片序列为空")

// Pipeline 是按组（一个 batch 的全部帧共用同一参数）处理图片的标准流水线。
//
// 输出 shape 为 [C, H, W]：彩色图贡献 3 个通道，灰度图贡献 1 个，按输入顺序堆叠。
type Pipeline struct {
	// ScaleSize > 0 时按短边等比缩放到该尺寸。
	ScaleSize int
	// CropSize > 0 时中心裁切为 CropSize×CropSize。
	CropSize int
	// Roll 为 true 时彩色图按 BGR 顺序堆叠。
	Roll bool
	// Div 为 true 时像素值除以 255。
	Div bool
	// Mean/Std 按通道循环使用；为空则不做归一化。
	Mean []float32
	Std  []float32
}

func (p Pipeline) Transform(imgs []image.Image) (tensor.Tensor, error) {
	if len(imgs) == 0 {
		return tensor.Tensor{}, ErrEmptyBatch
	}
	if len(p.Std) > 0 && len(p.Std) != len(p.Mean) {
		return tensor.Tensor{}, fmt.Errorf("transform: mean/std 长度不一致：%d vs %d", len(p.Mean), len(p.Std))
	}
	for _, s := range p.Std {
		if s == 0 {
			return tensor.Tensor{}, errors.New("transform: std 不能为 0")
		}
	}

	prepared := make([]image.Image, len(imgs))
	channels := 0
	for i, img := range imgs {
		if img == nil {
			return tensor.Tensor{}, fmt.Errorf("transform: 第 %d 张图片为 nil", i)
		}
		if p.ScaleSize > 0 {
			img = imgx.ScaleShorter(img, p.ScaleSize)
		}
		if p.CropSize > 0 {
			img = imgx.CenterCrop(img, p.CropSize, p.CropSize)
		}
		prepared[i] = img
		channels += channelCount(img)
	}

	b0 := prepared[0].Bounds()
	w, h := b0.Dx(), b0.Dy()
	for i, img := range prepared[1:] {
		if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
			return tensor.Tensor{}, fmt.Errorf("transform: 第 %d 张图片尺寸 %dx%d 与首张 %dx%d 不一致", i+1, b.Dx(), b.Dy(), w, h)
		}
	}

	out, err := tensor.New(channels, h, w)
	if err != nil {
		return tensor.Tensor{}, err
	}

	c := 0
	for _, img := range prepared {
		c = p.stack(out, c, img)
	}

	if len(p.Mean) > 0 {
		plane := h * w
		for ch := 0; ch < channels; ch++ {
			m := p.Mean[ch%len(p.Mean)]
			s := float32(1)
			if len(p.Std) > 0 {
				s = p.Std[ch%len(p.Std)]
			}
			seg := out.Data[ch*plane : (ch+1)*plane]
			for i := range seg {
				seg[i] = (seg[i] - m) / s
			}
		}
	}
	return out, nil
}

// stack 把 img 写入 out 从通道 c 开始的位置，返回下一个可用通道。
func (p Pipeline) stack(out tensor.Tensor, c int, img image.Image) int {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	scale := float32(1)
	if p.Div {
		scale = 1.0 / 255
	}

	if g, ok := img.(*image.Gray); ok {
		dst := out.Data[c*plane : (c+1)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y) * scale
			}
		}
		return c + 1
	}

	r := out.Data[c*plane : (c+1)*plane]
	g := out.Data[(c+1)*plane : (c+2)*plane]
	bl := out.Data[(c+2)*plane : (c+3)*plane]
	if p.Roll {
		r, bl = bl, r
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*w + x
			r[i] = float32(px.R) * scale
			g[i] = float32(px.G) * scale
			bl[i] = float32(px.B) * scale
		}
	}
	return c + 3
}

func channelCount(img image.Image) int {
	if _, ok := img.(*image.Gray); ok {
		return 1
	}
	return 3
}

package imgx

import (
	"errors"
	"image"
	"image/draw"
	_ "image/jpeg" // 注册 JPEG 解码器（抽帧结果通常是 jpg）
	_ "image/png"  // 注册 PNG 解码器（flow 帧常用 png）
	"os"

	xdraw "golang.org/x/image/draw"
)

// DecodeRGBFile 读取并解码一张图片，统一转换为 *image.RGBA（丢弃 alpha 语义）。
//
// 约束：
// - 输入允许是 JPEG/PNG（依赖标准库解码器）
// - 尺寸为 0 视为解码失败
func DecodeRGBFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return ToRGBA(img)
}

// ToRGBA 把任意 image.Image 拷贝为以 (0,0) 为原点的 *image.RGBA。
func ToRGBA(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("图片尺寸无效")
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}

// SplitRGB 把彩色图拆分为 R/G/B 三个单通道灰度图。
// flow 帧约定为 (flow_x, flow_y, blank)，调用方取前两个即可。
func SplitRGB(img *image.RGBA) (r, g, b *image.Gray) {
	bounds := img.Bounds()
	r = image.NewGray(bounds)
	g = image.NewGray(bounds)
	b = image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := img.PixOffset(x, y)
			j := r.PixOffset(x, y)
			r.Pix[j] = img.Pix[i]
			g.Pix[j] = img.Pix[i+1]
			b.Pix[j] = img.Pix[i+2]
		}
	}
	return r, g, b
}

// ScaleShorter 等比缩放，使短边等于 size（双线性近似）。
// 灰度图保持灰度，其他一律输出 RGBA。
func ScaleShorter(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if size <= 0 || w <= 0 || h <= 0 {
		return img
	}
	var nw, nh int
	if w <= h {
		nw, nh = size, int(float64(h)*float64(size)/float64(w))
	} else {
		nw, nh = int(float64(w)*float64(size)/float64(h)), size
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	if nw == w && nh == h {
		return img
	}

	rect := image.Rect(0, 0, nw, nh)
	var dst draw.Image
	if _, ok := img.(*image.Gray); ok {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	xdraw.ApproxBiLinear.Scale(dst, rect, img, b, xdraw.Src, nil)
	return dst
}

// CenterCrop 从中心裁出 w×h；源图不足时按源图尺寸裁（不放大）。
func CenterCrop(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w > b.Dx() {
		w = b.Dx()
	}
	if h > b.Dy() {
		h = b.Dy()
	}
	x0 := b.Min.X + int(float64(b.Dx()-w)/2+0.5)
	y0 := b.Min.Y + int(float64(b.Dy()-h)/2+0.5)
	src := image.Rect(x0, y0, x0+w, y0+h)

	rect := image.Rect(0, 0, w, h)
	var dst draw.Image
	if _, ok := img.(*image.Gray); ok {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.Draw(dst, rect, img, src.Min, draw.Src)
	return dst
}

// Placeholder 返回 1×1 的黑色图（用于连首帧都无法读取时的兜底）。
func Placeholder(gray bool) image.Image {
	if gray {
		return image.NewGray(image.Rect(0, 0, 1, 1))
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1))
}

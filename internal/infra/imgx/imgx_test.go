package imgx

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeRGBFile_PNG(t *testing.T) {
	dir := t.TempDir()
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	src.Set(1, 1, color.NRGBA{10, 20, 30, 255})
	p := filepath.Join(dir, "a.png")
	writePNG(t, p, src)

	got, err := DecodeRGBFile(p)
	if err != nil {
		t.Fatalf("解码失败：%v", err)
	}
	if got.Bounds().Dx() != 4 || got.Bounds().Dy() != 2 {
		t.Fatalf("尺寸不符合预期：%v", got.Bounds())
	}
	c := got.RGBAAt(1, 1)
	if c.R != 10 || c.G != 20 || c.B != 30 {
		t.Fatalf("像素不符合预期：%v", c)
	}
}

func TestDecodeRGBFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := DecodeRGBFile(filepath.Join(dir, "missing.jpg")); err == nil {
		t.Fatalf("缺失文件应报错")
	}
	bad := filepath.Join(dir, "bad.jpg")
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if _, err := DecodeRGBFile(bad); err == nil {
		t.Fatalf("损坏文件应报错")
	}
}

func TestSplitRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 1, color.RGBA{100, 150, 7, 255})
	r, g, b := SplitRGB(img)
	if r.GrayAt(0, 1).Y != 100 || g.GrayAt(0, 1).Y != 150 || b.GrayAt(0, 1).Y != 7 {
		t.Fatalf("通道拆分不符合预期：r=%v g=%v b=%v", r.GrayAt(0, 1), g.GrayAt(0, 1), b.GrayAt(0, 1))
	}
}

func TestScaleShorterAndCenterCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	scaled := ScaleShorter(img, 50)
	if scaled.Bounds().Dx() != 100 || scaled.Bounds().Dy() != 50 {
		t.Fatalf("缩放尺寸不符合预期：%v", scaled.Bounds())
	}

	// 左黑右白：中心裁切 50x50 后左半黑右半白。
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	for y := 0; y < 50; y++ {
		for x := 50; x < 100; x++ {
			src.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	crop := CenterCrop(src, 50, 50)
	if crop.Bounds().Dx() != 50 || crop.Bounds().Dy() != 50 {
		t.Fatalf("裁切尺寸不符合预期：%v", crop.Bounds())
	}
	l := color.RGBAModel.Convert(crop.At(5, 25)).(color.RGBA)
	r := color.RGBAModel.Convert(crop.At(45, 25)).(color.RGBA)
	if l.R != 0 || r.R != 255 {
		t.Fatalf("裁切区域不符合预期：left=%v right=%v", l, r)
	}

	gray := ScaleShorter(image.NewGray(image.Rect(0, 0, 10, 20)), 5)
	if _, ok := gray.(*image.Gray); !ok {
		t.Fatalf("灰度图缩放后应保持灰度：%T", gray)
	}
}

func TestDecodeRGBFile_JPEG(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.jpg")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("创建文件失败：%v", err)
	}
	if err := jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("编码失败：%v", err)
	}
	f.Close()
	if _, err := DecodeRGBFile(p); err != nil {
		t.Fatalf("解码 jpeg 失败：%v", err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建文件失败：%v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("编码 png 失败：%v", err)
	}
}

// Package frame 负责把 (视频目录, 帧号) 解析为磁盘上的帧文件并解码。
package frame

import (
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/infra/imgx"
	"github.com/John-Robertt/TSNSens/internal/infra/logx"
	"github.com/John-Robertt/TSNSens/internal/infra/metrics"
)

// FlowSkip 是 flow 帧号的步长：flow 文件按 1 + (idx-1)*FlowSkip 编号。
const FlowSkip = 5

// Loader 把帧号解析为图片。
//
// 约束：Load 永不向外失败。
// - 指定帧读取/解码失败：记录日志，回退到同一视频的第 1 帧
// - 连第 1 帧也失败：记录 error 日志，返回 1×1 黑图占位
type Loader struct {
	Root     string
	Template Template
	Modality domain.Modality

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// Path 返回帧文件的完整路径（不检查存在性）。
func (l *Loader) Path(dir string, idx int) string {
	return filepath.Join(l.Root, dir, l.Template.Name(idx))
}

// Exists 判断帧文件是否存在且为普通文件。
func (l *Loader) Exists(dir string, idx int) bool {
	fi, err := os.Stat(l.Path(dir, idx))
	return err == nil && fi.Mode().IsRegular()
}

// Load 读取一个帧号对应的图片：RGB/RGBDiff 返回 1 张彩色图，Flow 返回 x/y 两张灰度图。
func (l *Loader) Load(dir string, idx int) []image.Image {
	if l.Modality == domain.ModalityFlow {
		return l.loadFlow(dir, idx)
	}
	return []image.Image{l.loadRGB(dir, idx)}
}

func (l *Loader) loadRGB(dir string, idx int) image.Image {
	img, ok := l.decodeWithFallback(dir, idx)
	if !ok {
		return imgx.Placeholder(false)
	}
	return img
}

func (l *Loader) loadFlow(dir string, idx int) []image.Image {
	skip := 1 + (idx-1)*FlowSkip
	img, ok := l.decodeWithFallback(dir, skip)
	if !ok {
		return []image.Image{imgx.Placeholder(true), imgx.Placeholder(true)}
	}
	// flow 文件约定为 (flow_x, flow_y, blank) 三通道；blank 丢弃。
	x, y, _ := imgx.SplitRGB(img)
	return []image.Image{x, y}
}

func (l *Loader) decodeWithFallback(dir string, idx int) (*image.RGBA, bool) {
	log := logx.OrNop(l.Log)
	modality := string(l.Modality)

	path := l.Path(dir, idx)
	img, err := imgx.DecodeRGBFile(path)
	if err == nil {
		l.Metrics.FrameLoaded(modality)
		return img, true
	}

	log.Warn("error loading image", zap.String("path", path), zap.Error(err))
	l.Metrics.FrameFallback(modality)

	first := l.Path(dir, 1)
	img, err = imgx.DecodeRGBFile(first)
	if err != nil {
		log.Error("fallback frame unreadable", zap.String("path", first), zap.Error(err))
		return nil, false
	}
	l.Metrics.FrameLoaded(modality)
	return img, true
}

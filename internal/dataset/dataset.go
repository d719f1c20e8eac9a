// Package dataset 实现 TSN 风格的视频帧数据集：按分段策略选帧、施加时序变换、加载并变换为张量。
package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/frame"
	"github.com/John-Robertt/TSNSens/internal/infra/logx"
	"github.com/John-Robertt/TSNSens/internal/infra/metrics"
	"github.com/John-Robertt/TSNSens/internal/sampler"
	"github.com/John-Robertt/TSNSens/internal/temporal"
	"github.com/John-Robertt/TSNSens/internal/tensor"
	"github.com/John-Robertt/TSNSens/internal/transform"
)

const (
	DefaultNumSegments = 3
	DefaultNewLength   = 1
	// DefaultMaxResample 是“首帧缺失 => 换一个视频重试”的上限。
	DefaultMaxResample = 64
)

var (
	// ErrIndexOutOfRange 表示请求下标不在 [0, Len())。
	ErrIndexOutOfRange = errors.New("dataset: 下标越界")
	// ErrNoReadableVideo 表示重采样次数耗尽仍未找到首帧存在的视频。
	ErrNoReadableVideo = errors.New("dataset: 找不到可读的视频目录")
)

// ResampleError 描述一次重采样耗尽。
type ResampleError struct {
	Requested int
	Attempts  int
	LastPath  string
}

func (e *ResampleError) Error() string {
	return fmt.Sprintf("dataset: 下标 %d 重采样 %d 次后仍未找到可读视频（最后尝试 %q）", e.Requested, e.Attempts, e.LastPath)
}

func (e *ResampleError) Unwrap() error { return ErrNoReadableVideo }

// TransformError 表示调用方提供的图像变换失败（不是帧加载失败）。
type TransformError struct {
	Path string
	Err  error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("dataset: 视频 %q 图像变换失败：%v", e.Path, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Options 是数据集的构造参数。零值字段使用默认值（见 New）。
type Options struct {
	Root        string
	NumSegments int
	NewLength   int
	Modality    domain.Modality
	Template    frame.Template

	// RandomShift 为 true 时 standard 模式使用训练期随机采样，否则使用验证期采样。
	RandomShift bool
	// TestMode 为 true 时 standard 模式固定使用测试期采样（优先于 RandomShift）。
	TestMode bool

	Mode domain.Mode

	Temporal  temporal.Transform
	Transform transform.Transform

	MaxResample int
}

// Dataset 在构造后只读；Get 可被多个 goroutine 并发调用（每个 goroutine 使用自己的 rng）。
type Dataset struct {
	records []domain.VideoRecord
	opts    Options
	loader  *frame.Loader
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New 构造数据集。
//
// 默认值：NumSegments=3、NewLength=1、Modality=RGB、Template=img_{:05d}.jpg、
// Mode=standard、Temporal=identity、MaxResample=64。
// RGBDiff 需要多一帧用于做差，NewLength 在此基础上 +1。
func New(records []domain.VideoRecord, opts Options, log *zap.Logger, m *metrics.Metrics) (*Dataset, error) {
	if opts.Transform == nil {
		return nil, errors.New("dataset: Transform 不能为空")
	}
	if opts.NumSegments == 0 {
		opts.NumSegments = DefaultNumSegments
	}
	if opts.NumSegments < 0 {
		return nil, fmt.Errorf("dataset: num_segments 必须为正，实际 %d", opts.NumSegments)
	}
	if opts.NewLength == 0 {
		opts.NewLength = DefaultNewLength
	}
	if opts.NewLength < 0 {
		return nil, fmt.Errorf("dataset: new_length 必须为正，实际 %d", opts.NewLength)
	}
	if opts.Modality == "" {
		opts.Modality = domain.ModalityRGB
	}
	if opts.Modality == domain.ModalityRGBDiff {
		opts.NewLength++
	}
	if opts.Template.IsZero() {
		opts.Template = frame.MustTemplate(frame.DefaultTemplate)
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeStandard
	}
	if opts.Temporal == nil {
		opts.Temporal = temporal.Identity{}
	}
	if opts.MaxResample <= 0 {
		opts.MaxResample = DefaultMaxResample
	}

	log = logx.OrNop(log)
	return &Dataset{
		records: append([]domain.VideoRecord(nil), records...),
		opts:    opts,
		loader: &frame.Loader{
			Root:     opts.Root,
			Template: opts.Template,
			Modality: opts.Modality,
			Log:      log,
			Metrics:  m,
		},
		log:     log,
		metrics: m,
	}, nil
}

// Len 返回保留下来的视频数量。
func (d *Dataset) Len() int { return len(d.records) }

// Record 返回第 i 条记录。
func (d *Dataset) Record(i int) domain.VideoRecord { return d.records[i] }

// Options 返回生效后的参数（含默认值与 RGBDiff 调整）。
func (d *Dataset) Options() Options { return d.opts }

// Get 取第 index 个样本。
//
// 流程：记录查找 → 首帧存在性检查（缺失则用 rng 换一个下标，最多 MaxResample 次）
// → 模式分派（sens → infer → standard）→ 展开帧号 → 时序变换 → 加载 → 图像变换。
func (d *Dataset) Get(ctx context.Context, index int, rng *rand.Rand) (domain.Sample, error) {
	if index < 0 || index >= len(d.records) {
		return domain.Sample{}, fmt.Errorf("%w：%d（len=%d）", ErrIndexOutOfRange, index, len(d.records))
	}

	ctx, span := otel.Tracer("dataset").Start(ctx, "dataset.Get")
	defer span.End()

	index, rec, err := d.resolve(index, rng)
	if err != nil {
		span.RecordError(err)
		return domain.Sample{}, err
	}
	span.SetAttributes(attribute.String("video.path", rec.Path), attribute.String("dataset.mode", string(d.opts.Mode)))
	d.metrics.Retrieval(string(d.opts.Mode))

	switch d.opts.Mode {
	case domain.ModeSens:
		return d.getSens(ctx, index, rec)
	case domain.ModeInfer:
		return d.getInfer(ctx, index, rec)
	default:
		var anchors []int
		switch {
		case d.opts.TestMode:
			anchors = sampler.Test(rec.NumFrames, d.opts.NumSegments, d.opts.NewLength)
		case d.opts.RandomShift:
			anchors = sampler.Train(rec.NumFrames, d.opts.NumSegments, d.opts.NewLength, rng)
		default:
			anchors = sampler.Val(rec.NumFrames, d.opts.NumSegments, d.opts.NewLength)
		}
		return d.getStandard(ctx, index, rec, anchors)
	}
}

// resolve 实现首帧存在性检查与有界重采样。
func (d *Dataset) resolve(index int, rng *rand.Rand) (int, domain.VideoRecord, error) {
	requested := index
	rec := d.records[index]
	for attempts := 0; !d.loader.Exists(rec.Path, 1); attempts++ {
		if attempts >= d.opts.MaxResample {
			return 0, domain.VideoRecord{}, &ResampleError{Requested: requested, Attempts: attempts, LastPath: rec.Path}
		}
		d.metrics.Resample()
		d.log.Debug("first frame missing, resampling", zap.String("path", rec.Path), zap.Int("attempt", attempts+1))
		index = rng.Intn(len(d.records))
		rec = d.records[index]
	}
	return index, rec, nil
}

func (d *Dataset) getStandard(ctx context.Context, index int, rec domain.VideoRecord, anchors []int) (domain.Sample, error) {
	idx := sampler.Expand(anchors, rec.NumFrames, d.opts.NewLength)
	perturbed := d.opts.Temporal.Apply(idx)

	data, err := d.materialize(ctx, rec, perturbed)
	if err != nil {
		return domain.Sample{}, err
	}
	return domain.Sample{
		Mode:  domain.ModeStandard,
		Index: index,
		Data:  data,
		Path:  rec.Path,
		Label: rec.Label,
	}, nil
}

func (d *Dataset) getSens(ctx context.Context, index int, rec domain.VideoRecord) (domain.Sample, error) {
	anchors := sampler.Val(rec.NumFrames, d.opts.NumSegments, d.opts.NewLength)
	idx := sampler.Expand(anchors, rec.NumFrames, d.opts.NewLength)
	perturbed := d.opts.Temporal.Apply(idx)

	normal, err := d.materialize(ctx, rec, idx)
	if err != nil {
		return domain.Sample{}, err
	}
	pert, err := d.materialize(ctx, rec, perturbed)
	if err != nil {
		return domain.Sample{}, err
	}
	return domain.Sample{
		Mode:             domain.ModeSens,
		Index:            index,
		Data:             pert,
		Normal:           normal,
		Indices:          idx,
		PerturbedIndices: perturbed,
		Path:             rec.Path,
		Label:            rec.Label,
	}, nil
}

// getInfer 只物化 perturbed 分支；normal 帧号会计算但不加载。
func (d *Dataset) getInfer(ctx context.Context, index int, rec domain.VideoRecord) (domain.Sample, error) {
	anchors := sampler.Val(rec.NumFrames, d.opts.NumSegments, d.opts.NewLength)
	idx := sampler.Expand(anchors, rec.NumFrames, d.opts.NewLength)
	perturbed := d.opts.Temporal.Apply(idx)

	data, err := d.materialize(ctx, rec, perturbed)
	if err != nil {
		return domain.Sample{}, err
	}
	return domain.Sample{
		Mode:             domain.ModeInfer,
		Index:            index,
		Data:             data,
		Indices:          idx,
		PerturbedIndices: perturbed,
		Path:             rec.Path,
		Label:            rec.Label,
	}, nil
}

func (d *Dataset) materialize(ctx context.Context, rec domain.VideoRecord, idx []int) (tensor.Tensor, error) {
	images := make([]image.Image, 0, len(idx)*2)
	for _, p := range idx {
		if err := ctx.Err(); err != nil {
			return tensor.Tensor{}, err
		}
		images = append(images, d.loader.Load(rec.Path, p)...)
	}
	out, err := d.opts.Transform.Transform(images)
	if err != nil {
		return tensor.Tensor{}, &TransformError{Path: rec.Path, Err: err}
	}
	return out, nil
}

package run

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/TSNSens/internal/classifier"
	"github.com/John-Robertt/TSNSens/internal/config"
	"github.com/John-Robertt/TSNSens/internal/dataset"
	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/frame"
	"github.com/John-Robertt/TSNSens/internal/infra/cache"
	"github.com/John-Robertt/TSNSens/internal/report"
	"github.com/John-Robertt/TSNSens/internal/temporal"
	"github.com/John-Robertt/TSNSens/internal/tensor"
	"github.com/John-Robertt/TSNSens/internal/transform"
)

// writeVideo 写入 n 帧 1x1 PNG，第 i 帧的 R 通道等于 i。
func writeVideo(t *testing.T, root, dir string, n int) {
	t.Helper()
	tmpl := frame.MustTemplate(frame.DefaultTemplate)
	if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
		t.Fatalf("mkdir 失败：%v", err)
	}
	for i := 1; i <= n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 1, 1))
		img.SetRGBA(0, 0, color.RGBA{uint8(i), 0, 0, 255})
		f, err := os.Create(filepath.Join(root, dir, tmpl.Name(i)))
		if err != nil {
			t.Fatalf("创建帧失败：%v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("编码帧失败：%v", err)
		}
		_ = f.Close()
	}
}

// frameIDs 把每张图的 R 值排成一维张量，使分类器能“看到”帧顺序。
var frameIDs = transform.Func(func(imgs []image.Image) (tensor.Tensor, error) {
	data := make([]float32, len(imgs))
	for i, img := range imgs {
		r, _, _, _ := img.At(0, 0).RGBA()
		data[i] = float32(r >> 8)
	}
	return tensor.FromData(data, len(data))
})

// firstFrameClassifier 输出 5 类 logits，类别 = 第一帧帧号 % 5；第一帧为 failOn 时返回错误。
func firstFrameClassifier(calls *atomic.Int32, failOn float32) classifier.Classifier {
	return classifier.Func(func(ctx context.Context, in tensor.Tensor) ([]float32, error) {
		calls.Add(1)
		if in.Data[0] == failOn {
			return nil, &classifier.Error{Stage: classifier.StageStatus, Err: errors.New("HTTP 503")}
		}
		logits := make([]float32, 5)
		logits[int(in.Data[0])%5] = 4
		return logits, nil
	})
}

type fixture struct {
	eff  config.EffectiveConfig
	deps Deps
}

func newFixture(t *testing.T, clf classifier.Classifier) fixture {
	t.Helper()
	root := t.TempDir()
	writeVideo(t, root, "Walk/a", 10)   // val 帧号 [2,6,9]
	writeVideo(t, root, "Archery/b", 20) // val 帧号 [4,11,17]

	recs := []domain.VideoRecord{{Path: "Walk/a", NumFrames: 10, Label: 2}, {Path: "Archery/b", NumFrames: 20, Label: 0}}
	ds, err := dataset.New(recs, dataset.Options{
		Root:      root,
		Mode:      domain.ModeSens,
		Temporal:  temporal.Reverse{},
		Transform: frameIDs,
	}, nil, nil)
	if err != nil {
		t.Fatalf("构造数据集失败：%v", err)
	}

	return fixture{
		eff: config.EffectiveConfig{
			Manifest:    filepath.Join(root, "val.txt"),
			ResultPath:  filepath.Join(t.TempDir(), "result"),
			Transform:   "reverse",
			NumSegments: 3,
			Modality:    domain.ModalityRGB,
			Workers:     2,
			ModelURL:    "http://model.test",
		},
		deps: Deps{
			Dataset:    ds,
			Classifier: clf,
			ClassNames: map[int]string{0: "Archery", 2: "Walk"},
		},
	}
}

func TestExecute_WritesOutputsAndDegradesFailures(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, 4))

	rr, err := Execute(context.Background(), fx.eff, fx.deps, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if rr.RunID == "" || rr.Transform != "reverse" {
		t.Fatalf("报告头部不完整：%+v", rr)
	}
	s := rr.Summary
	if s.Items != 2 || s.OK != 1 || s.Failed != 1 || s.Flipped != 1 {
		t.Fatalf("summary 不正确：%+v", s)
	}

	if len(rr.Classes) != 2 || rr.Classes[0].ClassName != "Archery" || rr.Classes[1].Flipped != 1 {
		t.Fatalf("按类别汇总不正确：%+v", rr.Classes)
	}

	ok := rr.Items[0]
	if ok.Path != "Walk/a" || ok.Status != domain.StatusOK {
		t.Fatalf("第一条应为成功的 Walk/a：%+v", ok)
	}
	// normal 第一帧 2 → 类别 2（正确）；reverse 后第一帧 9 → 类别 4。
	if ok.NormPred != 2 || ok.PertPred != 4 || !ok.Correct || ok.Prec1 != 100 || ok.NSPrec1 != 0 {
		t.Fatalf("打分结果不正确：%+v", ok)
	}
	if ok.Loss <= 0 || math.IsNaN(ok.Loss) {
		t.Fatalf("loss 应为正数：%v", ok.Loss)
	}
	if len(ok.Indices) != 3 || ok.PerturbedIndices[0] != 9 {
		t.Fatalf("帧号未记录：%v %v", ok.Indices, ok.PerturbedIndices)
	}

	failed := rr.Items[1]
	if failed.Path != "Archery/b" || failed.ErrorCode != domain.ErrCodeClassifyFailed || failed.ClassName != "Archery" {
		t.Fatalf("失败条目不正确：%+v", failed)
	}

	b, err := os.ReadFile(filepath.Join(fx.eff.ResultPath, report.AnalysisFile))
	if err != nil {
		t.Fatalf("读取分析记录失败：%v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "Walk/a 1 ") || !strings.HasSuffix(lines[0], " Walk 2 2 4") {
		t.Fatalf("分析记录不符合预期：%q", lines)
	}

	jb, err := os.ReadFile(filepath.Join(fx.eff.ResultPath, report.JSONFile))
	if err != nil {
		t.Fatalf("读取 report.json 失败：%v", err)
	}
	var back domain.SensReport
	if err := json.Unmarshal(jb, &back); err != nil {
		t.Fatalf("report.json 无效：%v", err)
	}
	if back.RunID != rr.RunID || len(back.Items) != 2 {
		t.Fatalf("report.json 内容不一致")
	}
	if _, err := os.Stat(filepath.Join(fx.eff.ResultPath, report.HTMLFile)); err != nil {
		t.Fatalf("report.html 未写出：%v", err)
	}
}

func TestExecute_ScoreCacheReused(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, -1))
	store := cache.New(fx.eff.ResultPath, false)
	fx.deps.Cache = &store

	first, err := Execute(context.Background(), fx.eff, fx.deps, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("首次运行应推理 4 次（2 视频 × 2 分支），实际 %d", calls.Load())
	}

	second, err := Execute(context.Background(), fx.eff, fx.deps, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("第二次运行应全部命中缓存，实际累计推理 %d 次", calls.Load())
	}
	for i := range second.Items {
		if !second.Items[i].FromCache {
			t.Fatalf("条目 %d 应来自缓存", i)
		}
		if second.Items[i].Loss != first.Items[i].Loss {
			t.Fatalf("缓存结果应与首次一致")
		}
	}
}

func TestExecute_ScoreCacheMissesWhenPipelineChanges(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, -1))
	store := cache.New(fx.eff.ResultPath, false)
	fx.deps.Cache = &store
	fx.eff.CropSize = 224

	if _, err := Execute(context.Background(), fx.eff, fx.deps, nil); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	fx.eff.CropSize = 112
	rr, err := Execute(context.Background(), fx.eff, fx.deps, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if calls.Load() != 8 {
		t.Fatalf("crop_size 变化后应重新推理，实际累计推理 %d 次", calls.Load())
	}
	for i := range rr.Items {
		if rr.Items[i].FromCache {
			t.Fatalf("条目 %d 不应来自旧缓存", i)
		}
	}
}

func TestExecute_NonFiniteLogitsFailItem(t *testing.T) {
	clf := classifier.Func(func(ctx context.Context, in tensor.Tensor) ([]float32, error) {
		if in.Data[0] == 2 {
			return []float32{float32(math.Inf(1)), 0, 0}, nil
		}
		return []float32{0, 1, 0}, nil
	})
	fx := newFixture(t, clf)

	rr, err := Execute(context.Background(), fx.eff, fx.deps, nil)
	if err != nil {
		t.Fatalf("非有限 logits 不应中止 run：%v", err)
	}
	if rr.Summary.OK != 1 || rr.Summary.Failed != 1 {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
	failed := rr.Items[1]
	if failed.Path != "Walk/a" || failed.ErrorCode != domain.ErrCodeClassifyFailed || failed.Loss != 0 {
		t.Fatalf("非有限 logits 应降级为 classify_failed：%+v", failed)
	}

	b, err := os.ReadFile(filepath.Join(fx.eff.ResultPath, report.JSONFile))
	if err != nil {
		t.Fatalf("report.json 必须写出：%v", err)
	}
	var back domain.SensReport
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("report.json 无效：%v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.eff.ResultPath, report.HTMLFile)); err != nil {
		t.Fatalf("report.html 必须写出：%v", err)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, -1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rr, err := Execute(ctx, fx.eff, fx.deps, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	if rr.FinishedAt.IsZero() {
		t.Fatalf("取消时仍应返回已收尾的报告")
	}
	if _, err := os.Stat(filepath.Join(fx.eff.ResultPath, report.JSONFile)); !os.IsNotExist(err) {
		t.Fatalf("取消的 run 不应写出 report.json")
	}
}

func TestExecute_ResultPathConflict(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, -1))
	if err := os.MkdirAll(filepath.Dir(fx.eff.ResultPath), 0o755); err != nil {
		t.Fatalf("mkdir 失败：%v", err)
	}
	if err := os.WriteFile(fx.eff.ResultPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if _, err := Execute(context.Background(), fx.eff, fx.deps, nil); err == nil {
		t.Fatalf("结果路径是文件时应报错")
	}
	if calls.Load() != 0 {
		t.Fatalf("结果目录不可用时不应开始推理")
	}
}

type recordObserver struct {
	mu sync.Mutex

	startCalls int
	startTotal int
	phases     []string
	done       []int
}

func (o *recordObserver) OnStart(eff config.EffectiveConfig, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
	o.startTotal = total
}

func (o *recordObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnItemDone(idx, total int, item domain.SensItem, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, idx)
}

func (o *recordObserver) OnProgress(done, total, ok, fail int, elapsed time.Duration) {}

func TestExecute_EmitsObserverEvents(t *testing.T) {
	var calls atomic.Int32
	fx := newFixture(t, firstFrameClassifier(&calls, -1))
	obs := &recordObserver{}

	if _, err := Execute(context.Background(), fx.eff, fx.deps, obs); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if obs.startCalls != 1 || obs.startTotal != 2 {
		t.Fatalf("OnStart 不符合预期：calls=%d total=%d", obs.startCalls, obs.startTotal)
	}
	if len(obs.phases) != 1 || obs.phases[0] != "exec" {
		t.Fatalf("阶段事件不符合预期：%v", obs.phases)
	}
	if len(obs.done) != 2 || obs.done[0] != 1 || obs.done[1] != 2 {
		t.Fatalf("条目事件应按顺序递增：%v", obs.done)
	}
}

func TestFillScores_IdenticalLogitsZeroLoss(t *testing.T) {
	it := domain.SensItem{Label: 1}
	fillScores(&it, []float32{0.1, 3, 0.2}, []float32{0.1, 3, 0.2})
	if it.Loss != 0 || it.NormPred != 1 || it.PertPred != 1 || !it.Correct || it.Prec1 != 100 || it.NSPrec5 != 100 {
		t.Fatalf("相同 logits 的结果不正确：%+v", it)
	}
}

func TestRetrievalErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&dataset.ResampleError{Requested: 1}, domain.ErrCodeResampleExhausted},
		{&dataset.TransformError{Path: "x", Err: errors.New("boom")}, domain.ErrCodeTransformFailed},
		{errors.New("other"), domain.ErrCodeIOFailed},
	}
	for _, c := range cases {
		if got := retrievalErrorCode(c.err); got != c.want {
			t.Fatalf("%v：期望 %q，实际 %q", c.err, c.want, got)
		}
	}
}

package run

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/John-Robertt/TSNSens/internal/app"
	"github.com/John-Robertt/TSNSens/internal/classifier"
	"github.com/John-Robertt/TSNSens/internal/config"
	"github.com/John-Robertt/TSNSens/internal/dataset"
	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/eval"
	"github.com/John-Robertt/TSNSens/internal/infra/cache"
	"github.com/John-Robertt/TSNSens/internal/infra/fsx"
	"github.com/John-Robertt/TSNSens/internal/infra/logx"
	"github.com/John-Robertt/TSNSens/internal/infra/metrics"
	"github.com/John-Robertt/TSNSens/internal/infra/pool"
	"github.com/John-Robertt/TSNSens/internal/manifest"
	"github.com/John-Robertt/TSNSens/internal/report"
)

// LogEvery 是运行日志的输出间隔（条目数）。
const LogEvery = 20

// Dataset 是打分需要的数据集能力：sens 模式取样 + 按下标回查记录。
type Dataset interface {
	dataset.Getter
	Record(i int) domain.VideoRecord
}

// Deps 是一次 run 的协作者。Cache 为 nil 表示不使用打分缓存。
type Deps struct {
	Dataset    Dataset
	Classifier classifier.Classifier
	ClassNames map[int]string
	Cache      *cache.Store
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type itemResult struct {
	item domain.SensItem
	dur  time.Duration
}

// Execute 对数据集逐个视频做 normal / perturbed 两次推理，输出敏感度报告。
//
// 单条失败（重采样耗尽、图像变换失败、推理失败）降级为 failed 条目，不影响其他条目。
// 只有结果目录不可写或 ctx 取消会让整个 run 返回 error；此时仍返回已完成部分的报告。
//
// 输出：<result>/sens_analysis.txt（逐条追加）、report.json、report.html。
func Execute(ctx context.Context, eff config.EffectiveConfig, deps Deps, obs Observer) (domain.SensReport, error) {
	started := time.Now().UTC()
	log := logx.OrNop(deps.Log)

	ctx, span := otel.Tracer("run").Start(ctx, "run.Execute")
	defer span.End()

	total := deps.Dataset.Len()
	rr := domain.SensReport{
		RunID:        uuid.NewString(),
		ManifestPath: eff.Manifest,
		Transform:    eff.Transform,
		NumSegments:  eff.NumSegments,
		Modality:     string(eff.Modality),
		StartedAt:    started,
		Items:        make([]domain.SensItem, 0, total),
	}
	span.SetAttributes(attribute.String("run.id", rr.RunID), attribute.Int("run.items", total))

	if obs != nil {
		obs.OnStart(eff, total)
	}

	if err := fsx.EnsureDir(eff.ResultPath); err != nil {
		return finish(rr), fmt.Errorf("创建结果目录失败：%w", err)
	}
	analysis, err := fsx.CreateLines(filepath.Join(eff.ResultPath, report.AnalysisFile))
	if err != nil {
		return finish(rr), fmt.Errorf("创建分析记录失败：%w", err)
	}
	defer analysis.Close()

	workers := eff.Workers
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"workers":     workers,
			"total_items": total,
			"transform":   eff.Transform,
		}, 0)
	}

	var (
		batchTime, losses          eval.Meter
		top1, top5, nsTop1, nsTop5 eval.Meter
		done                       int
	)
	last := time.Now()

	runErr := pool.Ordered(ctx, total, workers, eff.Seed,
		func(ctx context.Context, pos int, rng *rand.Rand) (itemResult, error) {
			return scoreOne(ctx, eff, deps, pos, rng)
		},
		func(pos int, r itemResult, err error) error {
			if err != nil {
				return err
			}
			it := r.item
			rr.Items = append(rr.Items, it)
			deps.Metrics.ItemScored(it.Status)
			done++

			if it.Status == domain.StatusOK {
				if err := analysis.WriteLine(report.AnalysisLine(it)); err != nil {
					return fmt.Errorf("写入分析记录失败：%w", err)
				}
				losses.Update(it.Loss, 1)
				top1.Update(it.Prec1, 1)
				top5.Update(it.Prec5, 1)
				nsTop1.Update(it.NSPrec1, 1)
				nsTop5.Update(it.NSPrec5, 1)
			} else {
				log.Warn("item failed", zap.String("path", it.Path), zap.String("error_code", it.ErrorCode), zap.String("error", it.ErrorMsg))
			}
			batchTime.Update(time.Since(last).Seconds(), 1)
			last = time.Now()

			if pos%LogEvery == 0 {
				log.Info("Test",
					zap.String("progress", fmt.Sprintf("%d/%d", pos, total)),
					zap.String("time", fmt.Sprintf("%.3f (%.3f)", batchTime.Val, batchTime.Avg)),
					zap.String("loss", fmt.Sprintf("%.4f (%.4f)", losses.Val, losses.Avg)),
					zap.String("prec@1", fmt.Sprintf("%.3f (%.3f)", top1.Val, top1.Avg)),
					zap.String("prec@5", fmt.Sprintf("%.3f (%.3f)", top5.Val, top5.Avg)),
					zap.String("n_s_prec@1", fmt.Sprintf("%.3f (%.3f)", nsTop1.Val, nsTop1.Avg)),
					zap.String("n_s_prec@5", fmt.Sprintf("%.3f (%.3f)", nsTop5.Val, nsTop5.Avg)),
				)
			}
			if obs != nil {
				obs.OnItemDone(done, total, it, r.dur)
			}
			return nil
		})

	log.Info("Testing Results", zap.String("loss", fmt.Sprintf("%.5f", losses.Avg)), zap.Int("items", done))

	rr = finish(rr)
	if runErr != nil {
		span.RecordError(runErr)
		return rr, runErr
	}
	if err := report.WriteJSONFile(eff.ResultPath, rr); err != nil {
		return rr, fmt.Errorf("写入 report.json 失败：%w", err)
	}
	if err := report.WriteHTMLFile(eff.ResultPath, rr); err != nil {
		return rr, fmt.Errorf("写入 report.html 失败：%w", err)
	}
	return rr, nil
}

func finish(rr domain.SensReport) domain.SensReport {
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	rr.Classes = app.GroupByClass(rr.Items)
	return rr
}

// scoreOne 处理一个视频。只有 ctx 取消会以 error 返回；其余失败写进 item。
func scoreOne(ctx context.Context, eff config.EffectiveConfig, deps Deps, pos int, rng *rand.Rand) (itemResult, error) {
	started := time.Now()
	rec := deps.Dataset.Record(pos)
	item := domain.SensItem{
		Path:      rec.Path,
		Label:     rec.Label,
		ClassName: manifest.ClassName(deps.ClassNames, rec.Label),
		Status:    domain.StatusOK,
	}
	fail := func(code string, err error) (itemResult, error) {
		item.Status = domain.StatusFailed
		item.ErrorCode = code
		item.ErrorMsg = err.Error()
		return itemResult{item: item, dur: time.Since(started)}, nil
	}

	s, err := deps.Dataset.Get(ctx, pos, rng)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{}, ctx.Err()
		}
		return fail(retrievalErrorCode(err), err)
	}
	// 重采样可能换成了另一个视频：以实际取到的为准。
	item.Path = s.Path
	item.Label = s.Label
	item.ClassName = manifest.ClassName(deps.ClassNames, s.Label)
	item.Indices = s.Indices
	item.PerturbedIndices = s.PerturbedIndices

	key := cache.ScoreKey{
		Model:            eff.ModelURL,
		Pipeline:         eff.PipelineFingerprint(),
		Path:             s.Path,
		Indices:          s.Indices,
		PerturbedIndices: s.PerturbedIndices,
	}
	var normal, perturbed []float32
	if deps.Cache != nil {
		sc, ok, err := deps.Cache.ReadScores(key)
		if err != nil {
			logx.OrNop(deps.Log).Warn("score cache unreadable", zap.String("path", s.Path), zap.Error(err))
		}
		if ok {
			normal, perturbed = sc.Normal, sc.Perturbed
			item.FromCache = true
			deps.Metrics.CacheHit()
		}
	}

	if !item.FromCache {
		normal, err = deps.Classifier.Classify(ctx, s.Normal)
		if err == nil {
			perturbed, err = deps.Classifier.Classify(ctx, s.Data)
		}
		if err != nil {
			if ctx.Err() != nil {
				return itemResult{}, ctx.Err()
			}
			return fail(domain.ErrCodeClassifyFailed, err)
		}
		if len(normal) != len(perturbed) {
			return fail(domain.ErrCodeClassifyFailed, fmt.Errorf("两次推理的类别数不一致：%d vs %d", len(normal), len(perturbed)))
		}
		if !eval.Finite(normal) || !eval.Finite(perturbed) {
			return fail(domain.ErrCodeClassifyFailed, errors.New("logits 含 NaN 或 Inf"))
		}
		if deps.Cache != nil && !deps.Cache.ReadOnly {
			sc := cache.Scores{Path: s.Path, Indices: s.Indices, PerturbedIndices: s.PerturbedIndices, Normal: normal, Perturbed: perturbed}
			if err := deps.Cache.WriteScores(key, sc); err != nil {
				logx.OrNop(deps.Log).Warn("score cache write failed", zap.String("path", s.Path), zap.Error(err))
			}
		}
	}

	// loss 必须是有限值：报告 JSON 不接受 NaN。
	scored := item
	fillScores(&scored, normal, perturbed)
	if math.IsNaN(scored.Loss) || math.IsInf(scored.Loss, 0) {
		return fail(domain.ErrCodeClassifyFailed, fmt.Errorf("loss 不是有限值：%v", scored.Loss))
	}
	return itemResult{item: scored, dur: time.Since(started)}, nil
}

// fillScores 计算 loss = sqrt(MSE(softmax_n, softmax_s)) 以及两组 top-1/top-5 精度。
func fillScores(item *domain.SensItem, normal, perturbed []float32) {
	smN := eval.Softmax(normal)
	smS := eval.Softmax(perturbed)
	item.Loss = math.Sqrt(eval.MSE(smN, smS))

	p := eval.Precision(normal, item.Label, 1, 5)
	item.Prec1, item.Prec5 = p[0], p[1]
	p = eval.Precision(perturbed, item.Label, 1, 5)
	item.NSPrec1, item.NSPrec5 = p[0], p[1]

	item.NormPred = eval.ArgMax(smN)
	item.PertPred = eval.ArgMax(smS)
	item.Correct = item.NormPred == item.Label
}

func retrievalErrorCode(err error) string {
	var te *dataset.TransformError
	switch {
	case errors.Is(err, dataset.ErrNoReadableVideo):
		return domain.ErrCodeResampleExhausted
	case errors.As(err, &te):
		return domain.ErrCodeTransformFailed
	default:
		return domain.ErrCodeIOFailed
	}
}

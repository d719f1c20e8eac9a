package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/John-Robertt/TSNSens/internal/app/run"
	"github.com/John-Robertt/TSNSens/internal/classifier"
	"github.com/John-Robertt/TSNSens/internal/config"
	"github.com/John-Robertt/TSNSens/internal/dataset"
	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/infra/cache"
	"github.com/John-Robertt/TSNSens/internal/infra/httpx"
	"github.com/John-Robertt/TSNSens/internal/infra/logx"
	"github.com/John-Robertt/TSNSens/internal/infra/metrics"
	"github.com/John-Robertt/TSNSens/internal/infra/tracing"
	"github.com/John-Robertt/TSNSens/internal/manifest"
	"github.com/John-Robertt/TSNSens/internal/temporal"
	"github.com/John-Robertt/TSNSens/internal/transform"
)

// runtimeEnv 持有一次进程内共享的日志、指标与 tracing 资源。
type runtimeEnv struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	metricsSrv *http.Server
	shutdown   tracing.Shutdown
}

func setup(ctx context.Context, eff config.EffectiveConfig) (*runtimeEnv, error) {
	log, err := logx.New(eff.LogLevel)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	env := &runtimeEnv{log: log, metrics: metrics.New(reg)}

	if eff.MetricsAddr != "" {
		env.metricsSrv = metrics.StartServer(eff.MetricsAddr, reg, log)
	}
	env.shutdown, err = tracing.Init(ctx, eff.OTLPEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	}
	return env, nil
}

func (e *runtimeEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.shutdown != nil {
		if err := e.shutdown(ctx); err != nil {
			e.log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Shutdown(ctx)
	}
	_ = e.log.Sync()
}

// scoreDeps 按配置组装 sens 模式数据集、远端分类器与可选的打分缓存。
func (e *runtimeEnv) scoreDeps(eff config.EffectiveConfig) (run.Deps, error) {
	recs, err := manifest.Load(eff.Manifest, e.log)
	if err != nil {
		return run.Deps{}, fmt.Errorf("读取 manifest 失败：%w", err)
	}
	var names map[int]string
	if eff.ClassIndex != "" {
		names, err = manifest.LoadClassIndex(eff.ClassIndex)
		if err != nil {
			return run.Deps{}, fmt.Errorf("读取 class index 失败：%w", err)
		}
	}

	tt, err := temporal.New(eff.Transform, eff.Seed)
	if err != nil {
		return run.Deps{}, err
	}
	ds, err := dataset.New(recs, dataset.Options{
		Root:        eff.Root,
		NumSegments: eff.NumSegments,
		NewLength:   eff.NewLength,
		Modality:    eff.Modality,
		Template:    eff.Template,
		Mode:        domain.ModeSens,
		Temporal:    tt,
		Transform:   pipelineFrom(eff),
		MaxResample: eff.MaxResample,
	}, e.log, e.metrics)
	if err != nil {
		return run.Deps{}, err
	}

	client, err := httpx.NewClient(httpx.Options{
		ProxyURL: eff.ModelProxyURL,
		Timeout:  eff.ModelTimeout,
		RetryMax: eff.ModelRetryMax,
	})
	if err != nil {
		return run.Deps{}, fmt.Errorf("构造 HTTP client 失败：%w", err)
	}
	clf, err := classifier.NewRemote(eff.ModelURL, client, e.metrics)
	if err != nil {
		return run.Deps{}, err
	}

	deps := run.Deps{
		Dataset:    ds,
		Classifier: clf,
		ClassNames: names,
		Log:        e.log,
		Metrics:    e.metrics,
	}
	if eff.Cache {
		store := cache.New(eff.ResultPath, false)
		deps.Cache = &store
	}
	return deps, nil
}

func pipelineFrom(eff config.EffectiveConfig) transform.Pipeline {
	return transform.Pipeline{
		ScaleSize: eff.ScaleSize,
		CropSize:  eff.CropSize,
		Roll:      eff.Roll,
		Div:       eff.Div,
		Mean:      eff.InputMean,
		Std:       eff.InputStd,
	}
}

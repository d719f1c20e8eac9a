package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总数据集与评估流程的 Prometheus 指标。
// 所有方法对 nil 接收者安全：未启用指标时直接传 nil 即可。
type Metrics struct {
	Retrievals     *prometheus.CounterVec
	Resamples      prometheus.Counter
	FramesLoaded   *prometheus.CounterVec
	FrameFallbacks *prometheus.CounterVec
	ItemsScored    *prometheus.CounterVec
	ClassifyTime   prometheus.Histogram
	ScoreCacheHits prometheus.Counter
}

// New 在 reg 上注册全部指标。reg 为 nil 时使用 prometheus.DefaultRegisterer。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsnsens_retrievals_total",
			Help: "Total number of dataset retrievals, by mode",
		}, []string{"mode"}),
		Resamples: f.NewCounter(prometheus.CounterOpts{
			Name: "tsnsens_resamples_total",
			Help: "Total number of resamples caused by a missing first frame",
		}),
		FramesLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsnsens_frames_loaded_total",
			Help: "Total number of frame files loaded, by modality",
		}, []string{"modality"}),
		FrameFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsnsens_frame_fallbacks_total",
			Help: "Total number of frame loads that fell back to frame 1, by modality",
		}, []string{"modality"}),
		ItemsScored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsnsens_items_scored_total",
			Help: "Total number of evaluated videos, by status",
		}, []string{"status"}),
		ClassifyTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tsnsens_classify_duration_seconds",
			Help:    "Duration of one classifier call",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ScoreCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "tsnsens_score_cache_hits_total",
			Help: "Total number of classifier results served from the score cache",
		}),
	}
}

func (m *Metrics) Retrieval(mode string) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(mode).Inc()
}

func (m *Metrics) Resample() {
	if m == nil {
		return
	}
	m.Resamples.Inc()
}

func (m *Metrics) FrameLoaded(modality string) {
	if m == nil {
		return
	}
	m.FramesLoaded.WithLabelValues(modality).Inc()
}

func (m *Metrics) FrameFallback(modality string) {
	if m == nil {
		return
	}
	m.FrameFallbacks.WithLabelValues(modality).Inc()
}

func (m *Metrics) ItemScored(status string) {
	if m == nil {
		return
	}
	m.ItemsScored.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveClassify(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyTime.Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.ScoreCacheHits.Inc()
}

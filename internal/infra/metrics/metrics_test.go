package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Retrieval("sens")
	m.Retrieval("sens")
	m.Resample()
	m.FrameLoaded("RGB")
	m.FrameFallback("Flow")
	m.ItemScored("ok")
	m.ObserveClassify(20 * time.Millisecond)
	m.CacheHit()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retrievals.WithLabelValues("sens")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resamples))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesLoaded.WithLabelValues("RGB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FrameFallbacks.WithLabelValues("Flow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsScored.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoreCacheHits))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ClassifyTime))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Retrieval("x")
	m.Resample()
	m.FrameLoaded("RGB")
	m.FrameFallback("RGB")
	m.ItemScored("ok")
	m.ObserveClassify(time.Second)
	m.CacheHit()
}

func TestHandler_ExposesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Resample()

	srv := httptest.NewServer(NewHandler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "tsnsens_resamples_total 1"), string(body))

	resp, err = srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}

package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/John-Robertt/TSNSens/internal/eval"
	"github.com/John-Robertt/TSNSens/internal/infra/httpx"
	"github.com/John-Robertt/TSNSens/internal/infra/metrics"
	"github.com/John-Robertt/TSNSens/internal/tensor"
)

const (
	ClassifyPath = "/v1/classify"
	ContentType  = "application/msgpack"

	maxErrBody = 512
)

type classifyRequest struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

type classifyResponse struct {
	Logits []float32 `msgpack:"logits"`
}

// Remote 通过 POST <URL>/v1/classify 调用推理服务。
//
// 请求体：msgpack {shape: [C,H,W], data: [...]}；响应体：msgpack {logits: [...]}。
// 每个请求带 Idempotency-Key，httpx 据此对 502/503/504 与网络错误做有界重试。
type Remote struct {
	URL     string
	Client  *http.Client
	Metrics *metrics.Metrics
}

// NewRemote 校验 baseURL 并构造 Remote；client 为空时使用 httpx 默认策略。
func NewRemote(baseURL string, client *http.Client, m *metrics.Metrics) (*Remote, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("model.url 无效：%w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("model.url 必须是 http/https，实际 %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("model.url 缺少 host：%q", baseURL)
	}
	if client == nil {
		client, err = httpx.NewClient(httpx.Options{})
		if err != nil {
			return nil, err
		}
	}
	return &Remote{URL: baseURL, Client: client, Metrics: m}, nil
}

func (r *Remote) Classify(ctx context.Context, in tensor.Tensor) (_ []float32, err error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.Classify")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.IntSlice("tensor.shape", in.Shape))

	if err := in.Validate(); err != nil {
		return nil, &Error{Stage: StageEncode, Err: err}
	}
	body, err := msgpack.Marshal(classifyRequest{Shape: in.Shape, Data: in.Data})
	if err != nil {
		return nil, &Error{Stage: StageEncode, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+ClassifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Stage: StageRequest, Err: err}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set(httpx.IdempotencyHeader, uuid.NewString())

	started := time.Now()
	resp, err := r.Client.Do(req)
	r.Metrics.ObserveClassify(time.Since(started))
	if err != nil {
		return nil, &Error{Stage: StageRequest, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &Error{Stage: StageStatus, Err: &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}}
	}

	var out classifyResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Stage: StageDecode, Err: err}
	}
	if len(out.Logits) == 0 {
		return nil, &Error{Stage: StageDecode, Err: errors.New("响应中 logits 为空")}
	}
	if !eval.Finite(out.Logits) {
		return nil, &Error{Stage: StageDecode, Err: errors.New("响应中 logits 含 NaN 或 Inf")}
	}
	return out.Logits, nil
}

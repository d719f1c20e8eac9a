package httpx

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultRetryMax = 2

	// IdempotencyHeader 标记一个带 body 的请求可以安全重放。
	IdempotencyHeader = "Idempotency-Key"

	userAgent = "tsnsens"
)

// Transport 把“代理 + 有界重试 + 固定 UA”固化为统一策略。
//
// 重试规则：
// - GET/HEAD 且无 body；或带 IdempotencyHeader 且 body 可重放（GetBody 非空）
// - 网络错误与 502/503/504 会重试；其它状态码原样返回
// - ctx 已取消时立即返回最后一次结果
type Transport struct {
	Base *http.Transport

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int
	// Backoff 是第 n 次重试前的等待基数（线性递增）；0 表示不等待。
	Backoff time.Duration
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	if req.GetBody != nil && req.Body != nil {
		// 每次尝试都用 GetBody 取新 body；原始 body 只负责关闭。
		defer req.Body.Close()
	}

	max := t.RetryMax
	if max < 0 || !replayable(req) {
		max = 0
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			if lastResp != nil {
				drain(lastResp)
				lastResp = nil
			}
			if err := t.wait(req, attempt); err != nil {
				return nil, err
			}
		}

		r, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", userAgent)
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastResp, lastErr = resp, err
		if req.Context().Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (t *Transport) wait(req *http.Request, attempt int) error {
	if t.Backoff <= 0 {
		return req.Context().Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * t.Backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

func replayable(req *http.Request) bool {
	if (req.Method == http.MethodGet || req.Method == http.MethodHead) && (req.Body == nil || req.Body == http.NoBody) {
		return true
	}
	return req.Header.Get(IdempotencyHeader) != "" && req.GetBody != nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// cloneRequest 复制 request，并在 body 可重放时换上一份新 body。
func cloneRequest(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = b
	}
	return r, nil
}

// Options 描述一个推理服务 client 的网络策略。零值字段使用默认值。
type Options struct {
	ProxyURL string
	Timeout  time.Duration
	// RetryMax < 0 表示禁用重试。
	RetryMax int
	Backoff  time.Duration
}

// NewClient 构造带有界重试与总超时的 HTTP client。
//
// 规则：proxyURL 非空时走代理，且禁用 keep-alive（每请求新连接）。
func NewClient(opts Options) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   16,
	}

	if p := strings.TrimSpace(opts.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
	}

	retryMax := opts.RetryMax
	if retryMax == 0 {
		retryMax = DefaultRetryMax
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Transport: &Transport{
			Base:     base,
			RetryMax: retryMax,
			Backoff:  opts.Backoff,
		},
		Timeout: timeout,
	}, nil
}

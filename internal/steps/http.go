package steps

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

const (
	// StepTypeHTTP — тип HTTP шага.
	StepTypeHTTP = "http"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 << 20
)

// HTTPStep выполняет HTTP-запрос (режим SYNC).
//
// Параметры:
//
//	method: POST                 # default GET
//	url: https://api.example.com/deploy
//	query: {env: "{{ .Inputs.env }}"}
//	headers: {Authorization: "Bearer {{ .Inputs.token }}"}
//	body: {version: "{{ .Nodes.build.Outputs.tag }}"}
//	timeout_sec: 10
//	follow_redirects: true
//	validate_ssl: true
//	fail_on_status: true         # >= 400 завершает узел FAILED
//	expect_status: [200, 202]    # если задан, всё остальное FAILED
//
// Outputs: status_code, headers, body (JSON разбирается), duration_ms,
// truncated (тело длиннее 10 MiB обрезано).
type HTTPStep struct {
	client *http.Client
}

// httpParams — параметры HTTP шага.
type httpParams struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Query           map[string]string `json:"query"`
	Headers         map[string]string `json:"headers"`
	Body            any               `json:"body"`
	TimeoutSec      int               `json:"timeout_sec"`
	FollowRedirects *bool             `json:"follow_redirects"`
	ValidateSSL     *bool             `json:"validate_ssl"`
	FailOnStatus    *bool             `json:"fail_on_status"`
	ExpectStatus    []int             `json:"expect_status"`
}

// NewHTTPStep создаёт HTTPStep. client может быть nil.
func NewHTTPStep(client *http.Client) *HTTPStep {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStep{client: client}
}

// Type возвращает тип шага.
func (s *HTTPStep) Type() string {
	return StepTypeHTTP
}

// ExecuteSync выполняет запрос. Сетевая ошибка возвращается как error,
// неподходящий статус ответа даёт FAILED с outputs ответа.
func (s *HTTPStep) ExecuteSync(ctx context.Context, in *Input) (*domain.StepResponse, error) {
	p, err := decodeHTTPParams(in.Parameters)
	if err != nil {
		return nil, err
	}

	req, err := p.request(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, StepTypeHTTP, err)
	}

	started := time.Now()
	resp, err := s.clientFor(p).Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
		case isTimeout(err):
			return &domain.StepResponse{
				Status:  domain.StatusFailed,
				Failure: &domain.FailureInfo{Kind: domain.FailureTimeout, Message: err.Error()},
			}, nil
		}
		return nil, fmt.Errorf("http %s %s: %w", p.Method, p.URL, err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(started)
	telemetry.FromContext(ctx).Debug("http step response",
		"method", p.Method,
		"url", req.URL.Redacted(),
		"status_code", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	outputs, err := responseOutputs(resp, elapsed)
	if err != nil {
		return nil, err
	}

	if !p.accepts(resp.StatusCode) {
		return &domain.StepResponse{
			Status:  domain.StatusFailed,
			Outputs: outputs,
			Failure: &domain.FailureInfo{
				Kind:    domain.FailureApplication,
				Message: (&HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}).Error(),
			},
		}, nil
	}
	return domain.Succeeded(outputs), nil
}

func decodeHTTPParams(params map[string]any) (*httpParams, error) {
	var p httpParams
	if err := DecodeParameters(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, StepTypeHTTP)
	}
	if p.TimeoutSec < 0 {
		return nil, fmt.Errorf("%w: %s: timeout_sec must not be negative", ErrInvalidConfig, StepTypeHTTP)
	}
	p.Method = strings.ToUpper(p.Method)
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	return &p, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// accepts решает, считается ли статус успехом шага.
func (p *httpParams) accepts(code int) bool {
	if len(p.ExpectStatus) > 0 {
		return slices.Contains(p.ExpectStatus, code)
	}
	return code < 400 || !boolOr(p.FailOnStatus, true)
}

func (p *httpParams) request(ctx context.Context) (*http.Request, error) {
	target, err := url.Parse(p.URL)
	if err != nil {
		return nil, err
	}
	if len(p.Query) > 0 {
		q := target.Query()
		for k, v := range p.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if p.Body != nil {
		b, err := encodeBody(p.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// encodeBody: строки уходят как есть, остальное кодируется в JSON.
func encodeBody(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}

// clientFor возвращает общий клиент, если параметры его не меняют.
func (s *HTTPStep) clientFor(p *httpParams) *http.Client {
	follow := boolOr(p.FollowRedirects, true)
	verify := boolOr(p.ValidateSSL, true)
	if follow && verify && p.TimeoutSec == 0 {
		return s.client
	}

	c := &http.Client{Timeout: s.client.Timeout}
	if p.TimeoutSec > 0 {
		c.Timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	if !follow {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	if !verify {
		c.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return c
}

func responseOutputs(resp *http.Response, elapsed time.Duration) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	truncated := len(raw) > maxResponseBody
	if truncated {
		raw = raw[:maxResponseBody]
	}

	var body any = string(raw)
	if !truncated && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   truncated,
	}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// HTTPError — неподходящий статус ответа.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %s", e.Status)
}

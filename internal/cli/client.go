package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// PlanResponse — план из API.
type PlanResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	StartNodeID string         `json:"start_node_id"`
	Nodes       []NodeResponse `json:"nodes,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// NodeResponse — узел плана из API.
type NodeResponse struct {
	ID       string   `json:"id"`
	StepType string   `json:"step_type"`
	Next     string   `json:"next,omitempty"`
	Children []string `json:"children,omitempty"`
}

// ExecutionResponse — выполнение плана из API.
type ExecutionResponse struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// NodeExecutionResponse — выполнение узла из API.
type NodeExecutionResponse struct {
	ID             string         `json:"id"`
	NodeID         string         `json:"node_id"`
	Status         string         `json:"status"`
	Mode           string         `json:"mode,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	FailureIgnored bool           `json:"failure_ignored,omitempty"`
	PauseReason    string         `json:"pause_reason,omitempty"`
	Failure        *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"failure,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
}

// InterruptResponse — принятый interrupt.
type InterruptResponse struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	PlanExecutionID string `json:"plan_execution_id"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`
}

// --- Request types ---

// StartExecutionRequest — запуск плана.
type StartExecutionRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InterruptRequest — interrupt оператора.
type InterruptRequest struct {
	Type            string `json:"type"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// NotificationRequest — внешний результат по correlation ID.
type NotificationRequest struct {
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status"`
	Outputs       map[string]any `json:"outputs,omitempty"`
}

// ListExecutionsOpts — параметры фильтрации выполнений.
type ListExecutionsOpts struct {
	PlanID string
	Limit  int
}

// envelope — обёртка ответов API: {"data": ...} или {"error": {...}}.
type envelope[T any] struct {
	Data  T          `json:"data"`
	Error *errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError — ответ API со статусом 4xx или 5xx.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return e.Code + ": " + e.Message
}

// Client — HTTP клиент Relay API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListPlans() ([]PlanResponse, error) {
	return call[[]PlanResponse](c, http.MethodGet, "/api/v1/plans", nil)
}

// CreatePlan отправляет описание плана как есть; API принимает YAML и JSON.
func (c *Client) CreatePlan(spec []byte) (*PlanResponse, error) {
	plan, err := call[PlanResponse](c, http.MethodPost, "/api/v1/plans", rawBody{spec, "application/yaml"})
	return &plan, err
}

func (c *Client) GetPlan(id string) (*PlanResponse, error) {
	plan, err := call[PlanResponse](c, http.MethodGet, "/api/v1/plans/"+url.PathEscape(id), nil)
	return &plan, err
}

func (c *Client) StartExecution(planID string, req StartExecutionRequest) (*ExecutionResponse, error) {
	pe, err := call[ExecutionResponse](c, http.MethodPost, "/api/v1/plans/"+url.PathEscape(planID)+"/executions", req)
	return &pe, err
}

func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	query := url.Values{}
	if opts.PlanID != "" {
		query.Set("plan_id", opts.PlanID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return call[[]ExecutionResponse](c, http.MethodGet, path, nil)
}

func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	pe, err := call[ExecutionResponse](c, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil)
	return &pe, err
}

func (c *Client) ListNodeExecutions(executionID string) ([]NodeExecutionResponse, error) {
	return call[[]NodeExecutionResponse](c, http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID)+"/nodes", nil)
}

func (c *Client) Interrupt(executionID string, req InterruptRequest) (*InterruptResponse, error) {
	intr, err := call[InterruptResponse](c, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/interrupts", req)
	return &intr, err
}

func (c *Client) Notify(req NotificationRequest) error {
	_, err := call[json.RawMessage](c, http.MethodPost, "/api/v1/notifications", req)
	return err
}

// rawBody передаётся без JSON-кодирования.
type rawBody struct {
	data        []byte
	contentType string
}

// call выполняет запрос и достаёт data из ответа. body кодируется в JSON,
// кроме rawBody.
func call[T any](c *Client, method, path string, body any) (T, error) {
	var zero T

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case rawBody:
		reader, contentType = bytes.NewReader(b.data), b.contentType
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return zero, fmt.Errorf("encode request: %w", err)
		}
		reader, contentType = bytes.NewReader(data), "application/json"
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return zero, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var env envelope[T]
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return zero, apiErr
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("decode response: %w", decodeErr)
	}
	return env.Data, nil
}

package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Request 是发送给远程 Agent 执行端点的载荷。Inputs 为上游步骤
// 的输出，键为上游节点 ID。
type Request struct {
	TaskID string                     `json:"taskId"`
	Task   string                     `json:"task"`
	Inputs map[string]json.RawMessage `json:"inputs,omitempty"`
}

// Invoker 定义了调用远程 Agent 的能力。
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req Request) (json.RawMessage, error)
}

// Config 描述 HTTP 调用的参数。
type Config struct {
	Timeout time.Duration
}

// HTTPInvoker 通过 HTTP POST 调用远程 Agent 的执行端点。
type HTTPInvoker struct {
	httpClient *http.Client
}

// NewHTTPInvoker 创建 HTTP 调用器。
func NewHTTPInvoker(cfg Config) *HTTPInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPInvoker{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke 调用远程 Agent 并返回其原始 JSON 输出。
func (c *HTTPInvoker) Invoke(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("未提供 Agent 执行端点")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化 Agent 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Agent 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Agent 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Agent 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取 Agent 响应失败: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("Agent 响应内容为空")
	}
	if !json.Valid(body) {
		// 非 JSON 输出按字符串包装，避免污染聚合结果。
		encoded, encErr := json.Marshal(string(body))
		if encErr != nil {
			return nil, fmt.Errorf("包装 Agent 响应失败: %w", encErr)
		}
		return json.RawMessage(encoded), nil
	}
	return json.RawMessage(body), nil
}

var _ Invoker = (*HTTPInvoker)(nil)

package pipeline

import (
	"context"
	"encoding/json"
)

// Store 定义流水线状态的存取接口。写入方仅有计划接纳路径（Create）
// 与执行器（Claim/MarkStep*/Complete）；读取方可以任意并发。
type Store interface {
	// Create 写入新接纳的流水线记录，初始状态为 pending。
	Create(ctx context.Context, p *Pipeline) error
	// Get 返回记录的只读副本。未知 taskID 返回 ErrPipelineNotFound。
	Get(ctx context.Context, taskID string) (*Pipeline, error)
	// Claim 将流水线从 pending 置为 running，供执行器独占领取。
	Claim(ctx context.Context, taskID string) (*Pipeline, error)
	// MarkStepRunning 标记步骤开始执行，并更新当前步骤指示。
	MarkStepRunning(ctx context.Context, taskID string, order int) error
	// MarkStepCompleted 记录步骤结果。终态步骤不允许回退。
	MarkStepCompleted(ctx context.Context, taskID string, order int, result json.RawMessage) error
	// MarkStepFailed 记录步骤失败原因。终态步骤不允许回退。
	MarkStepFailed(ctx context.Context, taskID string, order int, stepErr string) error
	// Complete 写入终态：所有步骤成功则 completed，否则 failed。
	Complete(ctx context.Context, taskID string, aggregated json.RawMessage) error
	// Stats 返回各状态的流水线数量。
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats 汇总存储中各状态的流水线数量。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

package pipeline

import (
	"encoding/json"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/workflow"
)

// Status 表示流水线整体在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal 判断流水线状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Pipeline 是存储中的流水线记录。步骤的 Status/Result/Error 字段
// 由执行器通过存储方法独占修改，其余字段在接纳请求时写定。
type Pipeline struct {
	TaskID           string                   `json:"task_id"`
	Description      string                   `json:"description,omitempty"`
	TotalCost        string                   `json:"total_cost"`
	Status           Status                   `json:"status"`
	Steps            []workflow.ExecutionStep `json:"steps"`
	CurrentStep      int                      `json:"current_step,omitempty"`
	CurrentAgent     string                   `json:"current_agent,omitempty"`
	AggregatedOutput json.RawMessage          `json:"aggregated_output,omitempty"`
	CreatedAt        int64                    `json:"created_at"`
	UpdatedAt        int64                    `json:"updated_at"`
	CompletedAt      int64                    `json:"completed_at,omitempty"`
}

// CompletedStepCount 统计已成功完成的步骤数。
func (p *Pipeline) CompletedStepCount() int {
	count := 0
	for _, step := range p.Steps {
		if step.Status == workflow.StepCompleted {
			count++
		}
	}
	return count
}

// StatusView 是对外轮询返回的流水线状态投影。
type StatusView struct {
	TaskID         string           `json:"taskId"`
	Status         Status           `json:"status"`
	TotalSteps     int              `json:"totalSteps"`
	CompletedSteps int              `json:"completedSteps"`
	CurrentStep    int              `json:"currentStep,omitempty"`
	CurrentAgent   string           `json:"currentAgent,omitempty"`
	Steps          []StepStatusView `json:"steps"`
}

// StepStatusView 是状态视图中的单步摘要。
type StepStatusView struct {
	Order  int                 `json:"order"`
	Agent  string              `json:"agent"`
	Status workflow.StepStatus `json:"status"`
}

// ResultView 是终态流水线的结果投影。
type ResultView struct {
	TaskID           string            `json:"taskId"`
	Success          bool              `json:"success"`
	Status           Status            `json:"status"`
	CompletedAt      int64             `json:"completedAt"`
	Steps            []StepResultView  `json:"steps"`
	AggregatedOutput json.RawMessage   `json:"aggregatedOutput,omitempty"`
	Results          []json.RawMessage `json:"results"`
}

// StepResultView 是结果视图中的单步结果。
type StepResultView struct {
	Order  int             `json:"order"`
	Agent  string          `json:"agent"`
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusView 构建当前记录的状态投影。
func (p *Pipeline) StatusView() StatusView {
	steps := make([]StepStatusView, 0, len(p.Steps))
	for _, step := range p.Steps {
		steps = append(steps, StepStatusView{
			Order:  step.Order,
			Agent:  step.AgentName,
			Status: step.Status,
		})
	}
	return StatusView{
		TaskID:         p.TaskID,
		Status:         p.Status,
		TotalSteps:     len(p.Steps),
		CompletedSteps: p.CompletedStepCount(),
		CurrentStep:    p.CurrentStep,
		CurrentAgent:   p.CurrentAgent,
		Steps:          steps,
	}
}

// ResultView 构建终态记录的结果投影。流水线未到终态时返回 nil。
func (p *Pipeline) ResultView() *ResultView {
	if !p.Status.IsTerminal() {
		return nil
	}
	steps := make([]StepResultView, 0, len(p.Steps))
	results := make([]json.RawMessage, 0, len(p.Steps))
	for _, step := range p.Steps {
		steps = append(steps, StepResultView{
			Order:  step.Order,
			Agent:  step.AgentName,
			TaskID: p.TaskID,
			Result: step.Result,
			Error:  step.Error,
		})
		if step.Status == workflow.StepCompleted && step.Result != nil {
			results = append(results, step.Result)
		}
	}
	return &ResultView{
		TaskID:           p.TaskID,
		Success:          p.Status == StatusCompleted,
		Status:           p.Status,
		CompletedAt:      p.CompletedAt,
		Steps:            steps,
		AggregatedOutput: p.AggregatedOutput,
		Results:          results,
	}
}

var (
	// ErrPipelineNotFound 表示指定的流水线不存在。
	ErrPipelineNotFound = xerrors.New(CodePipelineNotFound, "pipeline not found")
	// ErrPipelineConflict 表示流水线在当前状态下无法进行所请求的操作。
	ErrPipelineConflict = xerrors.New(CodePipelineConflict, "pipeline conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodePipelineNotFound xerrors.Code = "PIPELINE_NOT_FOUND"
	CodePipelineConflict xerrors.Code = "PIPELINE_CONFLICT"
	CodePipelineDispatch xerrors.Code = "PIPELINE_DISPATCH_FAILED"
	CodeStepExecution    xerrors.Code = "STEP_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodePipelineNotFound, xerrors.Attributes{
		Message:   "pipeline not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePipelineConflict, xerrors.Attributes{
		Message:   "pipeline conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePipelineDispatch, xerrors.Attributes{
		Message:   "failed to dispatch pipeline",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStepExecution, xerrors.Attributes{
		Message:   "step execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

func clonePipeline(p *Pipeline) *Pipeline {
	clone := *p
	clone.Steps = make([]workflow.ExecutionStep, len(p.Steps))
	copy(clone.Steps, p.Steps)
	for i := range clone.Steps {
		if p.Steps[i].Result != nil {
			clone.Steps[i].Result = append(json.RawMessage(nil), p.Steps[i].Result...)
		}
		if p.Steps[i].Inputs != nil {
			clone.Steps[i].Inputs = append([]string(nil), p.Steps[i].Inputs...)
		}
	}
	if p.AggregatedOutput != nil {
		clone.AggregatedOutput = append(json.RawMessage(nil), p.AggregatedOutput...)
	}
	return &clone
}

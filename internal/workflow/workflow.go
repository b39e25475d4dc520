package workflow

import (
	"encoding/json"

	xerrors "AgentFlow-Chain/internal/errors"
)

// Node 描述画布上的一个智能体节点。
type Node struct {
	ID            string `json:"id"`
	AgentID       string `json:"agentId"`
	AgentName     string `json:"agentName"`
	WalletAddress string `json:"walletAddress"`
	Endpoint      string `json:"endpoint"`
	Price         string `json:"price"`
}

// Edge 描述一条有向依赖：target 消费 source 的输出。
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Workflow 是客户端提交的节点/边图。
type Workflow struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// StepStatus 表示单个步骤在生命周期中的状态。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// IsTerminal 判断步骤状态是否为终态。
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ExecutionStep 是计划中的一次智能体调用。
// Status/Result/Error 由执行器独占修改，其余字段在计划构建后不再变化。
type ExecutionStep struct {
	Order        int             `json:"order"`
	NodeID       string          `json:"nodeId"`
	AgentName    string          `json:"agentName"`
	AgentAddress string          `json:"agentAddress"`
	Endpoint     string          `json:"endpoint"`
	Price        string          `json:"price"`
	Inputs       []string        `json:"inputs"`
	Status       StepStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ExecutionPlan 是经过排序与计价的可执行计划。
type ExecutionPlan struct {
	TaskID    string          `json:"taskId"`
	Steps     []ExecutionStep `json:"steps"`
	TotalCost string          `json:"totalCost"`
}

// CodeGraphInvalid 表示客户端提交的工作流图不合法。
const CodeGraphInvalid xerrors.Code = "WORKFLOW_GRAPH_INVALID"

func init() {
	xerrors.Register(CodeGraphInvalid, xerrors.Attributes{
		Message:   "workflow graph invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsGraphError 判断错误是否为图校验错误。
func IsGraphError(err error) bool {
	return xerrors.CodeOf(err) == CodeGraphInvalid
}

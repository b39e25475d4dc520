package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/workflow"
)

// MemoryStore 以内存方式保存流水线状态。终态记录超过保留时长后
// 在后续写入时被清理，运行中的记录永不清理。
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore 创建 MemoryStore。retention 为终态记录的保留时长，
// 传入 0 表示永久保留。
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*Pipeline),
		retention: retention,
		now:       time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "pipeline 不能为空")
	}
	if p.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线 taskID 不能为空")
	}
	if _, ok := m.pipelines[p.TaskID]; ok {
		return ErrPipelineConflict
	}

	m.sweepLocked()

	now := m.now().Unix()
	clone := clonePipeline(p)
	if clone.Status == "" {
		clone.Status = StatusPending
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.pipelines[clone.TaskID] = clone
	return nil
}

// Get 返回流水线记录的副本。
func (m *MemoryStore) Get(_ context.Context, taskID string) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[taskID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return clonePipeline(p), nil
}

// Claim 将流水线置为运行中。
func (m *MemoryStore) Claim(_ context.Context, taskID string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[taskID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	if p.Status != StatusPending {
		return clonePipeline(p), ErrPipelineConflict
	}
	p.Status = StatusRunning
	p.UpdatedAt = m.now().Unix()
	return clonePipeline(p), nil
}

// MarkStepRunning 标记步骤开始执行。
func (m *MemoryStore) MarkStepRunning(_ context.Context, taskID string, order int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, step, err := m.stepLocked(taskID, order)
	if err != nil {
		return err
	}
	if step.Status != workflow.StepPending {
		return xerrors.New(CodePipelineConflict,
			fmt.Sprintf("步骤 %d 处于 %s 状态，无法开始执行", order, step.Status))
	}
	step.Status = workflow.StepRunning
	p.CurrentStep = step.Order
	p.CurrentAgent = step.AgentName
	p.UpdatedAt = m.now().Unix()
	return nil
}

// MarkStepCompleted 记录步骤成功结果。
func (m *MemoryStore) MarkStepCompleted(_ context.Context, taskID string, order int, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, step, err := m.stepLocked(taskID, order)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return xerrors.New(CodePipelineConflict,
			fmt.Sprintf("步骤 %d 已处于终态 %s", order, step.Status))
	}
	step.Status = workflow.StepCompleted
	step.Result = append(json.RawMessage(nil), result...)
	step.Error = ""
	p.UpdatedAt = m.now().Unix()
	return nil
}

// MarkStepFailed 记录步骤失败原因。
func (m *MemoryStore) MarkStepFailed(_ context.Context, taskID string, order int, stepErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, step, err := m.stepLocked(taskID, order)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return xerrors.New(CodePipelineConflict,
			fmt.Sprintf("步骤 %d 已处于终态 %s", order, step.Status))
	}
	step.Status = workflow.StepFailed
	step.Error = stepErr
	p.UpdatedAt = m.now().Unix()
	return nil
}

// Complete 写入流水线终态。
func (m *MemoryStore) Complete(_ context.Context, taskID string, aggregated json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[taskID]
	if !ok {
		return ErrPipelineNotFound
	}
	if p.Status.IsTerminal() {
		return ErrPipelineConflict
	}

	status := StatusCompleted
	for i := range p.Steps {
		if p.Steps[i].Status != workflow.StepCompleted {
			status = StatusFailed
			break
		}
	}
	p.Status = status
	if aggregated != nil {
		p.AggregatedOutput = append(json.RawMessage(nil), aggregated...)
	}
	p.CurrentStep = 0
	p.CurrentAgent = ""
	now := m.now().Unix()
	p.UpdatedAt = now
	p.CompletedAt = now
	return nil
}

// Stats 统计各状态的流水线数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, p := range m.pipelines {
		stats.Total++
		switch p.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) stepLocked(taskID string, order int) (*Pipeline, *workflow.ExecutionStep, error) {
	p, ok := m.pipelines[taskID]
	if !ok {
		return nil, nil, ErrPipelineNotFound
	}
	for i := range p.Steps {
		if p.Steps[i].Order == order {
			return p, &p.Steps[i], nil
		}
	}
	return nil, nil, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("流水线 %s 不存在步骤 %d", taskID, order))
}

// sweepLocked 清理超过保留时长的终态记录，调用方需持有写锁。
func (m *MemoryStore) sweepLocked() {
	if m.retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.retention).Unix()
	for id, p := range m.pipelines {
		if p.Status.IsTerminal() && p.CompletedAt > 0 && p.CompletedAt < cutoff {
			delete(m.pipelines, id)
		}
	}
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)

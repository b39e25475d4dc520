package pipeline

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/workflow"
	"AgentFlow-Chain/pkg/logger"
)

// Service 负责流水线的接纳与查询。
type Service struct {
	store    Store
	producer Producer
}

// NewService 构造流水线服务。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Submit 根据执行计划创建流水线记录并推送到队列。
func (s *Service) Submit(ctx context.Context, plan *workflow.ExecutionPlan, description string) (*Pipeline, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行计划不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线服务未初始化")
	}

	record := &Pipeline{
		TaskID:      plan.TaskID,
		Description: strings.TrimSpace(description),
		TotalCost:   plan.TotalCost,
		Status:      StatusPending,
		Steps:       append([]workflow.ExecutionStep(nil), plan.Steps...),
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, record.TaskID); err != nil {
		logger.L().Error("流水线入队失败", slog.Any("error", err), slog.String("task_id", record.TaskID))
		wrapped := xerrors.Wrap(CodePipelineDispatch, err, "发布流水线到队列失败")
		for _, step := range record.Steps {
			_ = s.store.MarkStepFailed(ctx, record.TaskID, step.Order, wrapped.Error())
		}
		_ = s.store.Complete(ctx, record.TaskID, nil)
		return nil, wrapped
	}
	logger.Audit().Info("流水线入队成功",
		slog.String("task_id", record.TaskID),
		slog.String("total_cost", record.TotalCost),
		slog.Int("steps", len(record.Steps)),
	)
	return record, nil
}

// Status 返回流水线的状态投影。
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := p.StatusView()
	return &view, nil
}

// Result 返回流水线的最终结果。流水线尚未进入终态时返回未找到错误。
func (s *Service) Result(ctx context.Context, id string) (*ResultView, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := p.ResultView()
	if view == nil {
		return nil, ErrPipelineNotFound
	}
	return view, nil
}

// Get 返回完整的流水线记录。
func (s *Service) Get(ctx context.Context, id string) (*Pipeline, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Stats 返回流水线统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// IsNotFound 判断错误是否表示流水线不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrPipelineNotFound)
}

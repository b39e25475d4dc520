package pipeline

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sort"
	"time"

	"AgentFlow-Chain/internal/agents"
	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/observability/alerting"
	"AgentFlow-Chain/pkg/logger"
)

// Processor 负责从队列消费流水线并逐步调用远程 Agent。
type Processor struct {
	invoker     agents.Invoker
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(invoker agents.Invoker, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		invoker:     invoker,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动流水线处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置流水线消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 执行一条流水线。步骤按 Order 升序串行执行，远程调用期间
// 不持有存储锁。失败步骤的传递性下游直接标记失败，不再调用。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.invoker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	record, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrPipelineNotFound) || stdErrors.Is(err, ErrPipelineConflict) {
			p.logDebug("跳过流水线", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取流水线失败", slog.Any("error", err), slog.String("task_id", taskID))
		return nil
	}

	sort.Slice(record.Steps, func(i, j int) bool {
		return record.Steps[i].Order < record.Steps[j].Order
	})

	outputs := make(map[string]json.RawMessage, len(record.Steps))
	failed := make(map[string]bool)
	var lastOutput json.RawMessage

	for i := range record.Steps {
		step := &record.Steps[i]

		blocked := ""
		for _, input := range step.Inputs {
			if failed[input] {
				blocked = input
				break
			}
		}
		if blocked != "" {
			failed[step.NodeID] = true
			msg := "依赖步骤 " + blocked + " 执行失败"
			if markErr := p.store.MarkStepFailed(ctx, taskID, step.Order, msg); markErr != nil {
				logger.L().Error("标记步骤跳过状态失败", slog.Any("error", markErr),
					slog.String("task_id", taskID), slog.Int("step", step.Order))
			}
			continue
		}

		if markErr := p.store.MarkStepRunning(ctx, taskID, step.Order); markErr != nil {
			logger.L().Error("标记步骤运行状态失败", slog.Any("error", markErr),
				slog.String("task_id", taskID), slog.Int("step", step.Order))
			failed[step.NodeID] = true
			_ = p.store.MarkStepFailed(ctx, taskID, step.Order, markErr.Error())
			continue
		}

		inputs := make(map[string]json.RawMessage, len(step.Inputs))
		for _, input := range step.Inputs {
			if out, ok := outputs[input]; ok {
				inputs[input] = out
			}
		}

		result, invokeErr := p.invoker.Invoke(ctx, step.Endpoint, agents.Request{
			TaskID: taskID,
			Task:   record.Description,
			Inputs: inputs,
		})
		if invokeErr != nil {
			failed[step.NodeID] = true
			wrapped := xerrors.Wrap(CodeStepExecution, invokeErr, "调用 Agent "+step.AgentName+" 失败")
			if markErr := p.store.MarkStepFailed(ctx, taskID, step.Order, wrapped.Error()); markErr != nil {
				logger.L().Error("标记步骤失败状态出错", slog.Any("error", markErr),
					slog.String("task_id", taskID), slog.Int("step", step.Order))
			}
			logger.Audit().Warn("流水线步骤执行失败",
				slog.String("task_id", taskID),
				slog.Int("step", step.Order),
				slog.String("agent", step.AgentName),
				slog.String("error", invokeErr.Error()),
			)
			p.emitAlert(ctx, taskID, step.Order, step.AgentName, CodeStepExecution, wrapped)
			continue
		}

		outputs[step.NodeID] = result
		lastOutput = result
		if markErr := p.store.MarkStepCompleted(ctx, taskID, step.Order, result); markErr != nil {
			logger.L().Error("标记步骤完成状态失败", slog.Any("error", markErr),
				slog.String("task_id", taskID), slog.Int("step", step.Order))
			failed[step.NodeID] = true
			continue
		}
		p.logDebug("流水线步骤完成",
			slog.String("task_id", taskID),
			slog.Int("step", step.Order),
			slog.String("agent", step.AgentName),
		)
	}

	if err := p.store.Complete(ctx, taskID, lastOutput); err != nil {
		logger.L().Error("写入流水线终态失败", slog.Any("error", err), slog.String("task_id", taskID))
		return nil
	}
	if len(failed) > 0 {
		logger.Audit().Warn("流水线执行失败",
			slog.String("task_id", taskID),
			slog.Int("failed_steps", len(failed)),
			slog.Int("total_steps", len(record.Steps)),
		)
	} else {
		logger.Audit().Info("流水线执行成功",
			slog.String("task_id", taskID),
			slog.Int("total_steps", len(record.Steps)),
		)
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, step int, agent string, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     taskID,
		Step:       step,
		Agent:      agent,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
			slog.Int("step", step),
		)
	}
}

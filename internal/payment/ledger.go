package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "AgentFlow-Chain/internal/errors"
)

// Ledger 记录已被消费的支付凭证，阻止同一笔交易重复入场。
type Ledger interface {
	// Consume 将凭证登记为已消费。凭证已存在时返回 PAYMENT_REPLAYED 错误。
	Consume(ctx context.Context, reference, taskID string) error
	// Release 撤销一次登记。入场后流水线创建失败时调用，
	// 使同一凭证可以在重试时再次使用。凭证不存在时视为成功。
	Release(ctx context.Context, reference string) error
	Close() error
}

// MemoryLedger 以内存方式记账，进程重启后记录丢失。
type MemoryLedger struct {
	mu       sync.Mutex
	consumed map[string]string
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{consumed: make(map[string]string)}
}

// Consume 实现 Ledger 接口。
func (l *MemoryLedger) Consume(_ context.Context, reference, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reference == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付凭证不能为空")
	}
	if existing, ok := l.consumed[reference]; ok {
		return xerrors.New(CodePaymentReplayed,
			fmt.Sprintf("凭证 %s 已被任务 %s 消费", reference, existing))
	}
	l.consumed[reference] = taskID
	return nil
}

// Release 实现 Ledger 接口。
func (l *MemoryLedger) Release(_ context.Context, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.consumed, reference)
	return nil
}

// Close 对内存记账无需操作。
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)

// consumedAt 统一使用 Unix 秒，便于跨驱动对账。
func consumedAt() int64 {
	return time.Now().Unix()
}

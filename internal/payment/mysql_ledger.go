package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentFlow-Chain/internal/errors"
)

// MySQLLedger 使用 MySQL 持久化已消费的支付凭证，
// 使重放保护在进程重启后依然有效。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建一个新的 MySQLLedger。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS payment_references (
        reference VARCHAR(66) PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        consumed_at BIGINT NOT NULL,
        INDEX idx_reference_task (task_id)
)`
	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_references 表失败")
	}
	return nil
}

// Consume 实现 Ledger 接口。主键冲突被视为凭证重放。
func (l *MySQLLedger) Consume(ctx context.Context, reference, taskID string) error {
	if reference == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付凭证不能为空")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO payment_references (reference, task_id, consumed_at) VALUES (?, ?, ?)`,
		reference, taskID, consumedAt(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(CodePaymentReplayed,
				fmt.Sprintf("凭证 %s 已被消费", reference))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记支付凭证失败")
	}
	return nil
}

// Release 实现 Ledger 接口。删除零行不算失败。
func (l *MySQLLedger) Release(ctx context.Context, reference string) error {
	if reference == "" {
		return nil
	}
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM payment_references WHERE reference = ?`, reference,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销支付凭证登记失败")
	}
	return nil
}

// Close 释放数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ Ledger = (*MySQLLedger)(nil)

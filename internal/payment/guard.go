package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/web3"
	"AgentFlow-Chain/internal/workflow"
	"AgentFlow-Chain/pkg/logger"
)

// State 表示一次执行请求在支付闸门中所处的阶段。
type State string

const (
	StateUnpaid    State = "UNPAID"
	StateVerifying State = "VERIFYING"
	StateAdmitted  State = "ADMITTED"
)

const (
	CodePaymentRequired       xerrors.Code = "PAYMENT_REQUIRED"
	CodePaymentTxNotFound     xerrors.Code = "PAYMENT_TX_NOT_FOUND"
	CodePaymentWrongRecipient xerrors.Code = "PAYMENT_WRONG_RECIPIENT"
	CodePaymentInsufficient   xerrors.Code = "PAYMENT_INSUFFICIENT"
	CodePaymentReplayed       xerrors.Code = "PAYMENT_REPLAYED"
)

func init() {
	xerrors.Register(CodePaymentRequired, xerrors.Attributes{
		Message:   "payment required",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentTxNotFound, xerrors.Attributes{
		Message:   "payment transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentWrongRecipient, xerrors.Attributes{
		Message:   "payment sent to wrong recipient",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentInsufficient, xerrors.Attributes{
		Message:   "payment value insufficient",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentReplayed, xerrors.Attributes{
		Message:   "payment reference already consumed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsInvalidProof 判断错误是否属于"凭证存在但无效"的拒绝类别。
// 这一类拒绝意味着携带同一凭证重试没有意义。
func IsInvalidProof(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodePaymentTxNotFound, CodePaymentWrongRecipient, CodePaymentInsufficient, CodePaymentReplayed:
		return true
	default:
		return false
	}
}

// Challenge 描述"需要支付"响应中的支付要求。
// 同一个计划生成的质询是逐字节可复现的：内容只来自服务端计价与静态配置。
type Challenge struct {
	Scheme    string `json:"-"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	ChainID   int64  `json:"chainId"`
}

// Header 渲染 WWW-Authenticate 响应头的值。
func (c Challenge) Header() string {
	return fmt.Sprintf("%s type=%q, amount=%q, token=%q, recipient=%q",
		c.Scheme, "transaction", c.Amount, c.Currency, c.Recipient)
}

// Config 描述支付闸门的静态配置。
type Config struct {
	MasterWallet string
	Currency     string
	Scheme       string
	ChainID      int64
}

// Decision 是一次闸门判定的结果。Challenge 仅在 UNPAID 状态下填充，
// Reference 仅在 ADMITTED 状态下填充，供后续失败回滚使用。
type Decision struct {
	State     State
	Challenge *Challenge
	Reference string
}

// Guard 是请求入场的状态机：无凭证返回质询，带凭证则做链上只读校验。
// 除读取区块链与消费记账外，闸门自身不在请求之间保留任何状态。
type Guard struct {
	chain    web3.Client
	ledger   Ledger
	wallet   common.Address
	currency string
	scheme   string
	chainID  int64
}

// NewGuard 构造支付闸门。
func NewGuard(chain web3.Client, ledger Ledger, cfg Config) (*Guard, error) {
	if chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	wallet := strings.TrimSpace(cfg.MasterWallet)
	if !common.IsHexAddress(wallet) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的主钱包地址: %q", cfg.MasterWallet))
	}
	scheme := strings.TrimSpace(cfg.Scheme)
	if scheme == "" {
		scheme = "L402"
	}
	currency := strings.TrimSpace(cfg.Currency)
	if currency == "" {
		currency = "TCRO"
	}
	return &Guard{
		chain:    chain,
		ledger:   ledger,
		wallet:   common.HexToAddress(wallet),
		currency: currency,
		scheme:   scheme,
		chainID:  cfg.ChainID,
	}, nil
}

// Scheme 返回闸门使用的支付方案标识。
func (g *Guard) Scheme() string {
	return g.scheme
}

// Challenge 根据服务端计算出的金额构造支付要求。
func (g *Guard) Challenge(amount string) Challenge {
	return Challenge{
		Scheme:    g.scheme,
		Amount:    amount,
		Currency:  g.currency,
		Recipient: g.wallet.Hex(),
		ChainID:   g.chainID,
	}
}

// Credential 从请求头的值中提取支付凭证，格式为 "<scheme> <reference>"。
func (g *Guard) Credential(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || parts[0] != g.scheme {
		return "", false
	}
	return parts[1], true
}

// Authorize 执行完整的闸门流程。金额由调用方按服务端计价传入，
// 与客户端声明的数额无关。校验通过后凭证被登记为已消费。
func (g *Guard) Authorize(ctx context.Context, header, amount, taskID string) (Decision, error) {
	reference, ok := g.Credential(header)
	if !ok {
		challenge := g.Challenge(amount)
		logger.L().Info("拒绝访问：需要支付",
			slog.String("amount", amount),
			slog.String("currency", g.currency),
		)
		return Decision{State: StateUnpaid, Challenge: &challenge}, nil
	}

	if err := g.Verify(ctx, reference, amount); err != nil {
		logger.Audit().Warn("支付校验失败",
			slog.String("reference", reference),
			slog.String("amount", amount),
			slog.String("error", err.Error()),
		)
		return Decision{State: StateVerifying}, err
	}

	if g.ledger != nil {
		if err := g.ledger.Consume(ctx, reference, taskID); err != nil {
			logger.Audit().Warn("支付凭证已被消费",
				slog.String("reference", reference),
				slog.String("task_id", taskID),
			)
			return Decision{State: StateVerifying}, err
		}
	}

	logger.Audit().Info("支付校验通过",
		slog.String("reference", reference),
		slog.String("amount", amount),
		slog.String("task_id", taskID),
	)
	return Decision{State: StateAdmitted, Reference: reference}, nil
}

// Release 归还已消费的凭证。入场之后流水线未能创建时调用，
// 避免提交失败把凭证烧掉。
func (g *Guard) Release(ctx context.Context, reference string) {
	if g.ledger == nil || reference == "" {
		return
	}
	if err := g.ledger.Release(ctx, reference); err != nil {
		logger.Audit().Error("归还支付凭证失败",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Audit().Info("支付凭证已归还", slog.String("reference", reference))
}

// Verify 对交易凭证做三段校验：存在性、收款人、金额。
func (g *Guard) Verify(ctx context.Context, reference, amount string) error {
	required, err := workflow.EtherToWei(amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法换算应付金额")
	}

	tx, err := g.chain.TransactionByHash(ctx, reference)
	if err != nil {
		return xerrors.Wrap(CodePaymentTxNotFound, err, fmt.Sprintf("链上未找到交易 %s", reference))
	}

	if tx.Recipient == "" || !strings.EqualFold(tx.Recipient, g.wallet.Hex()) {
		return xerrors.New(CodePaymentWrongRecipient,
			fmt.Sprintf("收款人 %s 与主钱包 %s 不符", tx.Recipient, g.wallet.Hex()))
	}

	if tx.Value == nil || tx.Value.Cmp(required) < 0 {
		paid := "0"
		if tx.Value != nil {
			paid = tx.Value.String()
		}
		return xerrors.New(CodePaymentInsufficient,
			fmt.Sprintf("实付 %s wei 低于应付 %s wei", paid, required.String()))
	}

	return nil
}

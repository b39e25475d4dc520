package workflow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// MinimumFee 是单个节点的保底报价。节点价格缺失或无法解析时不报错，
// 而是按保底价计入总额，保证报价始终为正。
const MinimumFee = "0.01"

// costScale 控制报价的小数位数。
const costScale = 4

// TotalCost 计算所有节点价格之和，返回十进制字符串。
// 与支付校验使用同一实现，保证两侧金额数值一致。
func TotalCost(nodes []Node) string {
	sum := new(big.Rat)
	for _, node := range nodes {
		sum.Add(sum, effectiveRat(node.Price))
	}
	if text := formatAmount(sum); sum.Sign() > 0 && text != "0" {
		return text
	}
	return MinimumFee
}

// EffectivePrice 返回节点的实际计价字符串。
func EffectivePrice(price string) string {
	return formatAmount(effectiveRat(price))
}

// EtherToWei 将十进制金额精确换算为链上基础单位。
func EtherToWei(amount string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok || rat.Sign() < 0 {
		return nil, fmt.Errorf("非法的金额: %q", amount)
	}
	wei := new(big.Rat).Mul(rat, new(big.Rat).SetInt64(params.Ether))
	if !wei.IsInt() {
		return nil, fmt.Errorf("金额 %q 的精度超出链上基础单位", amount)
	}
	return new(big.Int).Set(wei.Num()), nil
}

// effectiveRat 解析价格字符串；缺失、非法或非正的价格回退到保底价。
func effectiveRat(price string) *big.Rat {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return mustRat(MinimumFee)
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok || rat.Sign() <= 0 {
		return mustRat(MinimumFee)
	}
	return rat
}

// formatAmount 按固定小数位渲染金额并去掉无意义的尾零。
func formatAmount(rat *big.Rat) string {
	text := rat.FloatString(costScale)
	text = strings.TrimRight(text, "0")
	text = strings.TrimSuffix(text, ".")
	if text == "" {
		return "0"
	}
	return text
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic(fmt.Sprintf("invalid amount literal: %q", value))
	}
	return rat
}

package payment

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// HumanToAtomic 把人类可读的代币数量（如 "1.25"）换算成最小单位的整数。
// 使用十进制定点运算，避免浮点误差。
func HumanToAtomic(human string, decimals int32) (*big.Int, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(human))
	if err != nil {
		return nil, fmt.Errorf("非法的代币数量 %q: %w", human, err)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("代币数量不能为负: %s", human)
	}
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("代币数量 %s 超过 %d 位小数精度", human, decimals)
	}
	return scaled.BigInt(), nil
}

// AtomicToHuman 把最小单位的整数还原成人类可读的数量字符串。
func AtomicToHuman(atomic *big.Int, decimals int32) string {
	if atomic == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atomic, -decimals).String()
}

package exchange

import (
	"github.com/shopspring/decimal"
)

// MarketInfo 保存交易所强加的价格与数量约束，每个周期只读。
// 字段为 0 表示交易所未提供该约束。
type MarketInfo struct {
	PriceStep  float64 `json:"price_step"`
	AmountStep float64 `json:"amount_step"`
	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
	MinAmount  float64 `json:"min_amount"`
	MaxAmount  float64 `json:"max_amount"`
}

// RoundToStepDown 将 value 向下取整到 step 的整数倍。
// 永远向下，避免越过模型给定的限价或放大下单数量。
// step 非正时原样返回。
func RoundToStepDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}

	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	aligned, _ := v.Div(s).Floor().Mul(s).Float64()
	return aligned
}

// Clamp 将 value 限制在 [min, max] 内，边界为 0 时视为无约束。
func Clamp(value, min, max float64) float64 {
	if min > 0 && value < min {
		value = min
	}
	if max > 0 && value > max {
		value = max
	}
	return value
}

// NormalizePrice 将价格对齐到 price_step 并夹在允许区间内。
func (m MarketInfo) NormalizePrice(price float64) float64 {
	p := RoundToStepDown(price, m.PriceStep)
	return Clamp(p, m.MinPrice, m.MaxPrice)
}

// NormalizeAmount 将数量对齐到 amount_step 并夹在允许区间内。
func (m MarketInfo) NormalizeAmount(amount float64) float64 {
	a := RoundToStepDown(amount, m.AmountStep)
	return Clamp(a, m.MinAmount, m.MaxAmount)
}

// toStep 将 ccxt 的精度表示转换为步长。
// ccxt 可能返回步长本身（0.01）或小数位数（2）。
func toStep(v *float64) float64 {
	if v == nil {
		return 0
	}
	value := *v
	if value <= 0 {
		return 0
	}
	if value < 1 {
		return value
	}

	step := 1.0
	for i := 0; i < int(value); i++ {
		step /= 10
	}
	return step
}

package feature

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"gptbot/internal/exchange"
	"gptbot/internal/indicator"
)

// parentTimeframes 定义基础周期到高阶周期的映射，用于补充趋势背景。
var parentTimeframes = map[string]string{
	"1m":  "5m",
	"5m":  "15m",
	"15m": "1h",
	"1h":  "4h",
}

// ParentTimeframe 返回给定周期对应的高阶周期，没有映射时返回空串。
func ParentTimeframe(timeframe string) string {
	return parentTimeframes[timeframe]
}

// Set 为单一周期的特征集合，键固定为指标名。
type Set map[string]float64

// Extractor 将K线序列转换为模型可读的特征映射。
type Extractor struct {
	indicators *indicator.Calculator
	logger     *zap.Logger
}

// NewExtractor 创建特征提取器。
func NewExtractor(calc *indicator.Calculator, logger *zap.Logger) *Extractor {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		indicators: calc,
		logger:     logger,
	}
}

// Extract 计算指定周期的特征，无效指标（样本不足）会被省略。
func (e *Extractor) Extract(timeframe string, candles []exchange.Candle) (Set, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("提取特征失败: %s 周期K线为空", timeframe)
	}

	res, err := e.indicators.Compute(timeframe, candles)
	if err != nil {
		return nil, fmt.Errorf("计算 %s 周期指标失败: %w", timeframe, err)
	}

	set := Set{}
	put := func(name string, value float64) {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return
		}
		set[name] = value
	}

	put("ema20", res.EMA20)
	put("ema50", res.EMA50)
	put("ema200", res.EMA200)
	put("rsi14", res.RSI14)
	put("atr14", res.ATR14)
	put("bb20_mid", res.BB20Mid)
	put("bb20_std", res.BB20Std)
	put("vwap", res.VWAP)
	put("volatility30", res.Volatility30)

	e.logger.Debug("特征提取完成",
		zap.String("timeframe", timeframe),
		zap.Int("candles", len(candles)),
		zap.Int("features", len(set)),
	)

	return set, nil
}

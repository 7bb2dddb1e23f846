package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"gptbot/internal/exchange"
)

// Result 为一次指标计算的汇总，字段不足时为 NaN。
type Result struct {
	Timeframe    string
	Series       Series
	EMA20        float64
	EMA50        float64
	EMA200       float64
	RSI14        float64
	ATR14        float64
	BB20Mid      float64
	BB20Std      float64
	VWAP         float64
	Volatility30 float64
	Close        float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。
func (c *Calculator) Compute(timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}

	series := NewSeries(candles)
	cacheKey := fmt.Sprintf("%s:%d:%d", timeframe, series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[timeframe]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(timeframe, series)

	c.mu.Lock()
	c.cache[timeframe] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(timeframe string, series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low
	volumes := series.Volume

	var ema20, ema50, ema200, rsi14, atr14, bbMid, bbStd []float64
	if series.Len() >= 20 {
		ema20 = talib.Ema(closePrices, 20)
		bbMid = talib.Sma(closePrices, 20)
		bbStd = talib.StdDev(closePrices, 20, 1)
	}
	if series.Len() >= 50 {
		ema50 = talib.Ema(closePrices, 50)
	}
	if series.Len() >= 200 {
		ema200 = talib.Ema(closePrices, 200)
	}
	if series.Len() >= 15 {
		rsi14 = talib.Rsi(closePrices, 14)
		atr14 = talib.Atr(highs, lows, closePrices, 14)
	}

	vwap := computeVWAP(highs, lows, closePrices, volumes)
	vol30 := computeVolatility(closePrices, 30)

	return Result{
		Timeframe:    timeframe,
		Series:       series,
		EMA20:        LastValid(ema20),
		EMA50:        LastValid(ema50),
		EMA200:       LastValid(ema200),
		RSI14:        LastValid(rsi14),
		ATR14:        LastValid(atr14),
		BB20Mid:      LastValid(bbMid),
		BB20Std:      LastValid(bbStd),
		VWAP:         vwap,
		Volatility30: vol30,
		Close:        Last(closePrices),
	}
}

// computeVWAP 计算全窗口成交量加权均价（典型价 = (H+L+C)/3）。
func computeVWAP(highs, lows, closes, volumes []float64) float64 {
	cumV := 0.0
	cumPV := 0.0
	for i := range closes {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		cumV += volumes[i]
		cumPV += typical * volumes[i]
	}
	if cumV == 0 {
		return math.NaN()
	}
	return cumPV / cumV
}

// computeVolatility 计算简单收益率在给定窗口上的标准差。
func computeVolatility(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return math.NaN()
	}
	returns := make([]float64, 0, period)
	for i := len(closes) - period; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (closes[i]-prev)/prev)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

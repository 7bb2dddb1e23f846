package feature

import (
	"math"
	"testing"
	"time"

	"gptbot/internal/exchange"
)

func genCandles(n int, base float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price := base + math.Sin(float64(i)/7)*base*0.01
		candles[i] = exchange.Candle{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      price * 1.002,
			Low:       price * 0.998,
			Close:     price,
			Volume:    10 + float64(i%5),
		}
	}
	return candles
}

func TestExtractFullWindow(t *testing.T) {
	e := NewExtractor(nil, nil)

	set, err := e.Extract("5m", genCandles(250, 3000))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	for _, name := range []string{"ema20", "ema50", "ema200", "rsi14", "atr14", "bb20_mid", "bb20_std", "vwap", "volatility30"} {
		v, ok := set[name]
		if !ok {
			t.Errorf("expected feature %s to be present", name)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("feature %s is not finite: %v", name, v)
		}
	}

	if set["rsi14"] < 0 || set["rsi14"] > 100 {
		t.Errorf("rsi14 out of range: %v", set["rsi14"])
	}
}

func TestExtractShortWindowOmitsLongIndicators(t *testing.T) {
	e := NewExtractor(nil, nil)

	set, err := e.Extract("5m", genCandles(60, 3000))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if _, ok := set["ema200"]; ok {
		t.Errorf("ema200 should be omitted with only 60 candles")
	}
	if _, ok := set["ema20"]; !ok {
		t.Errorf("ema20 should be present with 60 candles")
	}
	if _, ok := set["vwap"]; !ok {
		t.Errorf("vwap should always be present when volume exists")
	}
}

func TestExtractEmptyInput(t *testing.T) {
	e := NewExtractor(nil, nil)
	if _, err := e.Extract("5m", nil); err == nil {
		t.Fatalf("expected error for empty candles")
	}
}

func TestParentTimeframe(t *testing.T) {
	cases := map[string]string{
		"1m":  "5m",
		"5m":  "15m",
		"15m": "1h",
		"1h":  "4h",
		"4h":  "",
	}
	for tf, want := range cases {
		if got := ParentTimeframe(tf); got != want {
			t.Errorf("ParentTimeframe(%s) = %q, want %q", tf, got, want)
		}
	}
}

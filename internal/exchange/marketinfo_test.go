package exchange

import (
	"math"
	"testing"
)

func TestRoundToStepDown(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		step  float64
		want  float64
	}{
		{"price step 0.01", 123.4567, 0.01, 123.45},
		{"amount step 0.001", 0.123456, 0.001, 0.123},
		{"already aligned", 123.45, 0.01, 123.45},
		{"step larger than one", 127, 5, 125},
		{"zero step passthrough", 123.4567, 0, 123.4567},
		{"negative step passthrough", 123.4567, -1, 123.4567},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RoundToStepDown(tc.value, tc.step)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("RoundToStepDown(%v, %v) = %v, want %v", tc.value, tc.step, got, tc.want)
			}
		})
	}
}

func TestNormalizePriceClamp(t *testing.T) {
	mi := MarketInfo{PriceStep: 0.01, MinPrice: 10.0, MaxPrice: 20.0}

	if got := mi.NormalizePrice(9.99); got != 10.0 {
		t.Errorf("expected clamp to min 10.0, got %v", got)
	}
	if got := mi.NormalizePrice(21.23); got != 20.0 {
		t.Errorf("expected clamp to max 20.0, got %v", got)
	}
	if got := mi.NormalizePrice(15.555); got != 15.55 {
		t.Errorf("expected 15.55, got %v", got)
	}
}

func TestNormalizeAmountClamp(t *testing.T) {
	mi := MarketInfo{AmountStep: 0.01, MinAmount: 0.1, MaxAmount: 5.0}

	if got := mi.NormalizeAmount(0.05); got != 0.1 {
		t.Errorf("expected clamp to min 0.1, got %v", got)
	}
	if got := mi.NormalizeAmount(10.0); got != 5.0 {
		t.Errorf("expected clamp to max 5.0, got %v", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	mi := MarketInfo{PriceStep: 0.01, AmountStep: 0.001, MinPrice: 1, MaxPrice: 100000}

	once := mi.NormalizePrice(123.4567)
	twice := mi.NormalizePrice(once)
	if once != twice {
		t.Errorf("normalize not idempotent: once=%v twice=%v", once, twice)
	}

	// 已对齐且在界内的值保持不变
	if got := mi.NormalizePrice(50.25); got != 50.25 {
		t.Errorf("aligned in-bounds value changed: %v", got)
	}
}

func TestToStep(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	if got := toStep(f(0.01)); got != 0.01 {
		t.Errorf("step passthrough failed: %v", got)
	}
	if got := toStep(f(2)); math.Abs(got-0.01) > 1e-12 {
		t.Errorf("decimals to step failed: %v", got)
	}
	if got := toStep(nil); got != 0 {
		t.Errorf("nil precision should give 0, got %v", got)
	}
	if got := toStep(f(0)); got != 0 {
		t.Errorf("zero precision should give 0, got %v", got)
	}
}

package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestTimeframeSeconds(t *testing.T) {
	cases := map[string]int64{
		"1m": 60,
		"5m": 300,
		"1h": 3600,
		"1d": 86400,
	}
	for tf, want := range cases {
		got, err := TimeframeSeconds(tf)
		if err != nil {
			t.Errorf("TimeframeSeconds(%s) error: %v", tf, err)
			continue
		}
		if got != want {
			t.Errorf("TimeframeSeconds(%s) = %d, want %d", tf, got, want)
		}
	}

	if _, err := TimeframeSeconds("7m"); err == nil {
		t.Errorf("unsupported timeframe should error")
	}
}

func TestFloorToTimeframe(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 7, 42, 0, time.UTC)

	got, err := FloorToTimeframe(ts, "5m")
	if err != nil {
		t.Fatalf("FloorToTimeframe returned error: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// 边界上的时间戳保持不变
	aligned := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	got, _ = FloorToTimeframe(aligned, "5m")
	if !got.Equal(aligned) {
		t.Errorf("aligned timestamp should be unchanged, got %v", got)
	}
}

func TestNextCloseTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 7, 42, 0, time.UTC)

	got, err := NextCloseTime("5m", ts)
	if err != nil {
		t.Fatalf("NextCloseTime returned error: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLastClosedOpenTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 7, 42, 0, time.UTC)

	got, err := LastClosedOpenTime("5m", ts)
	if err != nil {
		t.Fatalf("LastClosedOpenTime returned error: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestWaitNextCloseCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WaitNextClose(ctx, "1h"); err == nil {
		t.Errorf("cancelled context should abort the wait")
	}
}

package scheduler

import (
	"context"
	"fmt"
	"time"
)

// timeframeSeconds 列出支持的周期及其秒数。
var timeframeSeconds = map[string]int64{
	"1m":  60,
	"3m":  180,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"1d":  86400,
}

// TimeframeSeconds 返回周期对应的秒数。
func TimeframeSeconds(timeframe string) (int64, error) {
	s, ok := timeframeSeconds[timeframe]
	if !ok {
		return 0, fmt.Errorf("scheduler: 不支持的周期: %s", timeframe)
	}
	return s, nil
}

// FloorToTimeframe 将时间戳向下对齐到周期边界。
func FloorToTimeframe(ts time.Time, timeframe string) (time.Time, error) {
	s, err := TimeframeSeconds(timeframe)
	if err != nil {
		return time.Time{}, err
	}
	unix := ts.Unix() / s * s
	return time.Unix(unix, 0).UTC(), nil
}

// NextCloseTime 返回下一根K线的收盘时刻。
func NextCloseTime(timeframe string, now time.Time) (time.Time, error) {
	base, err := FloorToTimeframe(now, timeframe)
	if err != nil {
		return time.Time{}, err
	}
	s, _ := TimeframeSeconds(timeframe)
	return base.Add(time.Duration(s) * time.Second), nil
}

// LastClosedOpenTime 返回最近一根已收盘K线的开盘时刻。
func LastClosedOpenTime(timeframe string, now time.Time) (time.Time, error) {
	closeTime, err := NextCloseTime(timeframe, now)
	if err != nil {
		return time.Time{}, err
	}
	s, _ := TimeframeSeconds(timeframe)
	return closeTime.Add(-time.Duration(s) * time.Second), nil
}

// WaitNextClose 阻塞到下一根K线收盘，可被 ctx 取消。
func WaitNextClose(ctx context.Context, timeframe string) error {
	closeTime, err := NextCloseTime(timeframe, time.Now())
	if err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(closeTime))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

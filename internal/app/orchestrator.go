package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/config"
	"gptbot/internal/decision"
	"gptbot/internal/monitor"
	"gptbot/internal/snapshot"
)

type decider interface {
	Decide(ctx context.Context, payload interface{}, remainingInfoRequests int) decision.Decision
}

type snapshotSource interface {
	Build(ctx context.Context, extraData map[string]interface{}) (*snapshot.Snapshot, error)
	CollectExtra(ctx context.Context, requests []decision.RequestItem, cache *snapshot.Cache) (map[string]interface{}, bool, error)
}

type actionExecutor interface {
	Execute(ctx context.Context, d decision.Decision, snap *snapshot.Snapshot) error
}

type attemptCounter interface {
	OrdersLastHour(ctx context.Context) (int, error)
}

// orchestrator 驱动单个决策周期：快照、模型问答、补数循环、落地执行。
type orchestrator struct {
	symbol    string
	timeframe string
	limits    config.LimitsConfig

	snapshots snapshotSource
	decider   decider
	executor  actionExecutor
	ledger    attemptCounter
	monitor   *monitor.Service
	counters  *monitor.Counters
	logger    *zap.Logger
}

type policyConstraints struct {
	OpenOrders           int     `json:"open_orders"`
	MaxOpenOrders        int     `json:"max_open_orders"`
	OrdersLastHour       int     `json:"orders_last_hour"`
	MaxOrdersPerHour     int     `json:"max_orders_per_hour"`
	MaxPositionUSDT      float64 `json:"max_position_usdt"`
	PositionUSDT         float64 `json:"position_usdt"`
	MaxPositionRemaining float64 `json:"max_position_usdt_remaining"`
}

type cyclePolicy struct {
	AllowedActions []string          `json:"allowed_actions"`
	Constraints    policyConstraints `json:"constraints"`
	Hints          []string          `json:"hints"`
}

type cycleCounters struct {
	RemainingInfoRequests int `json:"remaining_info_requests"`
	Limit                 int `json:"limit"`
}

type cycleFlags struct {
	TerminalOnLastInfoRequest bool `json:"terminal_on_last_info_request"`
}

// cyclePayload 为发给模型的完整输入。
type cyclePayload struct {
	*snapshot.Snapshot
	Counters cycleCounters `json:"counters"`
	Flags    cycleFlags    `json:"flags"`
	Policy   cyclePolicy   `json:"policy"`
	Notice   string        `json:"_notice,omitempty"`
}

const lastRequestNotice = "Attention: this is the final attempt. Return a TERMINAL action, do not request more data."

// RunCycle 执行一个完整的决策周期。
func (o *orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	remaining := o.limits.MaxInfoRequestsPerCycle
	used := 0
	extraData := map[string]interface{}{}
	cache := snapshot.NewCache()

	for {
		snap, err := o.snapshots.Build(ctx, extraData)
		if err != nil {
			return err
		}
		cache.Update(snap)

		payload, err := o.buildPayload(ctx, snap, remaining)
		if err != nil {
			return err
		}

		o.logger.Info("决策快照已构建",
			zap.String("symbol", o.symbol),
			zap.String("timeframe", o.timeframe),
			zap.Int("remaining_info_requests", remaining),
		)

		d := o.decider.Decide(ctx, payload, remaining)
		isFallback := d.Action == decision.ActionDoNothing && d.IdempotencyKey == decision.FallbackIdempotencyKey
		if isFallback {
			o.counters.IncFallbacks()
		}
		o.monitor.RecordDecision(ctx, d, isFallback)
		o.logger.Info("模型决策",
			zap.String("action", string(d.Action)),
			zap.String("key", d.IdempotencyKey),
		)

		if d.Action == decision.ActionRequestData {
			data, fetched, err := o.snapshots.CollectExtra(ctx, d.Request.Requests, cache)
			if err != nil {
				return err
			}
			for k, v := range data {
				extraData[k] = v
			}
			if fetched {
				remaining--
				used++
			}
			// 额度耗尽时钳到1，校验器会强制下一个决策为终态
			if remaining <= 0 {
				remaining = 1
			}
			continue
		}

		// 执行前重建快照，保证风控检查基于最新账户与行情
		execSnap, err := o.snapshots.Build(ctx, extraData)
		if err != nil {
			return err
		}
		if err := o.executor.Execute(ctx, d, execSnap); err != nil {
			return err
		}

		o.counters.IncCycles()
		o.monitor.RecordCycle(ctx, monitor.CyclePayload{
			Symbol:         o.symbol,
			Timeframe:      o.timeframe,
			FinalAction:    string(d.Action),
			InfoRequests:   used,
			DurationMillis: time.Since(start).Milliseconds(),
		})
		return nil
	}
}

func (o *orchestrator) buildPayload(ctx context.Context, snap *snapshot.Snapshot, remaining int) (*cyclePayload, error) {
	ordersLastHour, err := o.ledger.OrdersLastHour(ctx)
	if err != nil {
		return nil, fmt.Errorf("统计下单频次失败: %w", err)
	}

	openOrdersCount := len(snap.Account.OpenOrders)
	lastPrice := snap.Market.Ticker.LastPrice()
	positionUSDT := snap.Account.Position.NotionalUSDT(lastPrice)
	maxRemaining := o.limits.MaxPositionUSDT - positionUSDT
	if maxRemaining < 0 {
		maxRemaining = 0
	}

	allowedPlace := openOrdersCount < o.limits.MaxOpenOrders &&
		ordersLastHour < o.limits.MaxOrdersPerHour &&
		maxRemaining > 0

	allowed := make([]string, 0, 4)
	if allowedPlace {
		allowed = append(allowed, string(decision.ActionPlaceOrder))
	}
	allowed = append(allowed,
		string(decision.ActionCancelOrder),
		string(decision.ActionClosePosition),
		string(decision.ActionDoNothing),
	)

	payload := &cyclePayload{
		Snapshot: snap,
		Counters: cycleCounters{
			RemainingInfoRequests: remaining,
			Limit:                 o.limits.MaxInfoRequestsPerCycle,
		},
		Flags: cycleFlags{TerminalOnLastInfoRequest: true},
		Policy: cyclePolicy{
			AllowedActions: allowed,
			Constraints: policyConstraints{
				OpenOrders:           openOrdersCount,
				MaxOpenOrders:        o.limits.MaxOpenOrders,
				OrdersLastHour:       ordersLastHour,
				MaxOrdersPerHour:     o.limits.MaxOrdersPerHour,
				MaxPositionUSDT:      o.limits.MaxPositionUSDT,
				PositionUSDT:         positionUSDT,
				MaxPositionRemaining: maxRemaining,
			},
			Hints: []string{
				"To modify an order price: cancel_order first, then place_order",
				"On the last attempt only terminal actions are accepted",
			},
		},
	}

	if remaining == 1 {
		payload.Notice = lastRequestNotice
	}

	return payload, nil
}

package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gptbot/internal/decision"
	"gptbot/internal/exchange"
	"gptbot/internal/risk"
	"gptbot/internal/snapshot"
	"gptbot/internal/store"
)

type orderClient interface {
	Symbol() string
	MarketInfo(ctx context.Context) (exchange.MarketInfo, error)
	CreateLimitOrder(ctx context.Context, spec exchange.LimitOrderSpec) (exchange.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
}

type actionLedger interface {
	HasAction(ctx context.Context, key string) (bool, error)
	RecordAction(ctx context.Context, key string, status store.ActionStatus, details string) error
	RecordOrderAttempt(ctx context.Context) error
	OrdersLastHour(ctx context.Context) (int, error)
}

type metrics interface {
	IncOrdersPlaced()
	IncErrors()
}

type eventRecorder interface {
	RecordExecution(ctx context.Context, action, key, status, details string)
}

// Executor 将已校验的决策落地为交易所操作。
// 同一幂等键只执行一次；下单失败不重试，避免重复成交或丢失 TP/SL 语义。
type Executor struct {
	client   orderClient
	ledger   actionLedger
	metrics  metrics
	events   eventRecorder
	limits   risk.Limits
	leverage int
	postOnly bool
	dryRun   bool
	logger   *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(client orderClient, ledger actionLedger, metrics metrics, events eventRecorder, limits risk.Limits, leverage int, postOnly, dryRun bool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leverage < 1 {
		leverage = 1
	}
	return &Executor{
		client:   client,
		ledger:   ledger,
		metrics:  metrics,
		events:   events,
		limits:   limits,
		leverage: leverage,
		postOnly: postOnly,
		dryRun:   dryRun,
		logger:   logger,
	}
}

// Execute 执行终态决策。下单类失败记入台账后吞掉，只有台账本身不可用时才返回错误。
func (e *Executor) Execute(ctx context.Context, d decision.Decision, snap *snapshot.Snapshot) error {
	done, err := e.ledger.HasAction(ctx, d.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("execution: 查询幂等键失败: %w", err)
	}
	if done {
		e.logger.Info("幂等键已执行，跳过", zap.String("key", d.IdempotencyKey))
		return nil
	}

	switch d.Action {
	case decision.ActionPlaceOrder:
		return e.placeOrder(ctx, d, snap)
	case decision.ActionCancelOrder:
		return e.cancelOrder(ctx, d)
	case decision.ActionClosePosition:
		return e.closePosition(ctx, d, snap)
	case decision.ActionDoNothing:
		return e.record(ctx, d,store.ActionCompleted, `{"note":"noop"}`)
	default:
		return e.record(ctx, d,store.ActionRejected, `{"reason":"unsupported_action"}`)
	}
}

func (e *Executor) placeOrder(ctx context.Context, d decision.Decision, snap *snapshot.Snapshot) error {
	params := d.Place
	side := params.Side
	price := params.Price
	qty := params.Qty

	postOnly := e.postOnly
	if params.PostOnly != nil {
		postOnly = *params.PostOnly
	}

	lastPrice := snap.Market.Ticker.LastPrice()
	if lastPrice == 0 {
		lastPrice = price
	}
	additionalUSDT := math.Abs(lastPrice * qty)

	if !risk.OpenOrdersOK(len(snap.Account.OpenOrders), e.limits) {
		e.logger.Warn("挂单数已达上限，拒绝下单", zap.Int("open_orders", len(snap.Account.OpenOrders)))
		return e.record(ctx, d,store.ActionRejected, "open_orders_limit")
	}

	ordersLastHour, err := e.ledger.OrdersLastHour(ctx)
	if err != nil {
		return fmt.Errorf("execution: 统计下单频次失败: %w", err)
	}
	if !risk.OrdersPerHourOK(ordersLastHour, e.limits) {
		e.logger.Warn("小时下单数已达上限，拒绝下单", zap.Int("orders_last_hour", ordersLastHour))
		return e.record(ctx, d,store.ActionRejected, "orders_per_hour_limit")
	}

	currentUSDT := snap.Account.Position.NotionalUSDT(lastPrice)
	if risk.WouldExceedPositionUSDT(currentUSDT, additionalUSDT, e.limits) {
		e.logger.Warn("仓位名义价值将超限，拒绝下单",
			zap.Float64("current_usdt", currentUSDT),
			zap.Float64("additional_usdt", additionalUSDT),
		)
		return e.record(ctx, d,store.ActionRejected, "max_position_usdt")
	}

	marketInfo, err := e.client.MarketInfo(ctx)
	if err != nil {
		return fmt.Errorf("execution: 获取市场信息失败: %w", err)
	}

	// 保证金不足时按可用余额缩量，缩量后仍低于最小下单量则拒绝
	freeUSDT := snap.Account.Balance.FreeUSDT
	requiredMargin := additionalUSDT / float64(e.leverage) * 1.02
	if freeUSDT < requiredMargin {
		amountStep := marketInfo.AmountStep
		if amountStep == 0 {
			amountStep = 0.001
		}
		minAmount := marketInfo.MinAmount
		if minAmount == 0 {
			minAmount = amountStep
		}

		maxAffordable := freeUSDT * float64(e.leverage) / math.Max(lastPrice, 1e-9)
		adjusted := exchange.RoundToStepDown(maxAffordable, amountStep)
		if adjusted < minAmount || adjusted <= 0 {
			e.logger.Warn("可用保证金不足，拒绝下单",
				zap.Float64("free_usdt", freeUSDT),
				zap.Float64("required_margin", requiredMargin),
			)
			return e.record(ctx, d,store.ActionRejected,
				fmt.Sprintf("insufficient_funds free=%v required~=%v", freeUSDT, requiredMargin))
		}

		e.logger.Info("保证金不足，自动缩量",
			zap.Float64("requested_qty", qty),
			zap.Float64("adjusted_qty", adjusted),
			zap.Float64("free_usdt", freeUSDT),
		)
		qty = adjusted
		additionalUSDT = math.Abs(lastPrice * qty)
		requiredMargin = additionalUSDT / float64(e.leverage) * 1.02
	}

	nprice := marketInfo.NormalizePrice(price)
	nqty := marketInfo.NormalizeAmount(qty)

	// 避免限价单穿越盘口：买单贴到卖一下方、卖单贴到买一上方，并强制 post_only
	if book := snap.Market.OrderBook; book != nil && marketInfo.PriceStep > 0 {
		step := marketInfo.PriceStep
		switch side {
		case "buy":
			if book.BestAsk > 0 && nprice >= book.BestAsk {
				nprice = math.Min(nprice, book.BestAsk-step)
				postOnly = true
			}
		case "sell":
			if book.BestBid > 0 && nprice <= book.BestBid {
				nprice = math.Max(nprice, book.BestBid+step)
				postOnly = true
			}
		}
	}

	e.logger.Info("下单参数已归一化",
		zap.String("side", side),
		zap.Float64("price", nprice),
		zap.Float64("qty", nqty),
		zap.Bool("post_only", postOnly),
	)

	tif := params.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	clientOID := newClientOrderID("")

	if e.dryRun {
		e.logger.Info("[dry-run] 模拟限价下单",
			zap.String("side", side),
			zap.Float64("price", nprice),
			zap.Float64("qty", nqty),
			zap.String("client_order_id", clientOID),
		)
		if err := e.ledger.RecordOrderAttempt(ctx); err != nil {
			return fmt.Errorf("execution: 记录下单尝试失败: %w", err)
		}
		return e.record(ctx, d,store.ActionCompleted, `{"dry":true}`)
	}

	if err := e.ledger.RecordOrderAttempt(ctx); err != nil {
		return fmt.Errorf("execution: 记录下单尝试失败: %w", err)
	}

	order, err := e.client.CreateLimitOrder(ctx, exchange.LimitOrderSpec{
		Side:          side,
		Amount:        nqty,
		Price:         nprice,
		ClientOrderID: clientOID,
		TimeInForce:   tif,
		PostOnly:      postOnly,
		TakeProfit:    params.TakeProfit,
		StopLoss:      params.StopLoss,
	})
	if err != nil {
		// 重下可能丢失 TP/SL 挂靠，这里绝不重试
		e.incErrors()
		e.logger.Error("下单失败", zap.Error(err))
		return e.record(ctx, d,store.ActionError, err.Error())
	}

	e.incOrdersPlaced()
	e.logger.Info("下单成功",
		zap.String("order_id", order.ID),
		zap.String("client_order_id", clientOID),
	)
	return e.record(ctx, d,store.ActionCompleted, marshalDetails(order))
}

func (e *Executor) cancelOrder(ctx context.Context, d decision.Decision) error {
	params := d.Cancel

	if e.dryRun {
		e.logger.Info("[dry-run] 模拟撤单",
			zap.String("order_id", params.OrderID),
			zap.Bool("all_for_symbol", params.AllForSymbol),
		)
		return e.record(ctx, d,store.ActionCompleted, `{"dry":true}`)
	}

	var err error
	switch {
	case params.OrderID != "":
		err = e.client.CancelOrder(ctx, params.OrderID)
	case params.AllForSymbol:
		err = e.client.CancelAllOrders(ctx)
	}
	if err != nil {
		e.incErrors()
		e.logger.Error("撤单失败", zap.Error(err))
		return e.record(ctx, d,store.ActionError, err.Error())
	}

	e.logger.Info("撤单完成",
		zap.String("order_id", params.OrderID),
		zap.Bool("all_for_symbol", params.AllForSymbol),
	)
	return e.record(ctx, d,store.ActionCompleted, "")
}

func (e *Executor) closePosition(ctx context.Context, d decision.Decision, snap *snapshot.Snapshot) error {
	params := d.Close

	pos := snap.Account.Position
	if pos == nil || pos.Contracts == 0 {
		e.logger.Info("当前无持仓，平仓动作视为完成")
		return e.record(ctx, d,store.ActionCompleted, `{"note":"no position"}`)
	}

	closeSide := "buy"
	if strings.EqualFold(pos.Side, "long") {
		closeSide = "sell"
	}
	amount := math.Abs(pos.Contracts) * params.SizePct / 100

	// 平仓价取对手盘：卖出贴买一，买入贴卖一
	ticker := snap.Market.Ticker
	price := ticker.Ask
	if closeSide == "sell" {
		price = ticker.Bid
	}
	if price == 0 {
		price = ticker.LastPrice()
	}

	marketInfo, err := e.client.MarketInfo(ctx)
	if err != nil {
		return fmt.Errorf("execution: 获取市场信息失败: %w", err)
	}
	nprice := marketInfo.NormalizePrice(price)
	namount := marketInfo.NormalizeAmount(amount)
	clientOID := newClientOrderID("close")

	if e.dryRun {
		e.logger.Info("[dry-run] 模拟限价平仓",
			zap.Float64("size_pct", params.SizePct),
			zap.String("side", closeSide),
			zap.Float64("price", nprice),
			zap.Float64("amount", namount),
			zap.Bool("reduce_only", params.ReduceOnly),
		)
		return e.record(ctx, d,store.ActionCompleted, `{"dry":true}`)
	}

	order, err := e.client.CreateLimitOrder(ctx, exchange.LimitOrderSpec{
		Side:          closeSide,
		Amount:        namount,
		Price:         nprice,
		ClientOrderID: clientOID,
		TimeInForce:   "GTC",
		ReduceOnly:    params.ReduceOnly,
	})
	if err != nil {
		e.incErrors()
		e.logger.Error("平仓下单失败", zap.Error(err))
		return e.record(ctx, d,store.ActionError, err.Error())
	}

	e.incOrdersPlaced()
	e.logger.Info("平仓单已提交",
		zap.String("order_id", order.ID),
		zap.Float64("size_pct", params.SizePct),
	)
	return e.record(ctx, d,store.ActionCompleted, marshalDetails(order))
}

func (e *Executor) record(ctx context.Context, d decision.Decision, status store.ActionStatus, details string) error {
	if err := e.ledger.RecordAction(ctx, d.IdempotencyKey, status, details); err != nil {
		return fmt.Errorf("execution: 写入台账失败: %w", err)
	}
	if e.events != nil {
		e.events.RecordExecution(ctx, string(d.Action), d.IdempotencyKey, string(status), details)
	}
	return nil
}

func (e *Executor) incOrdersPlaced() {
	if e.metrics != nil {
		e.metrics.IncOrdersPlaced()
	}
}

func (e *Executor) incErrors() {
	if e.metrics != nil {
		e.metrics.IncErrors()
	}
}

// newClientOrderID 生成可追踪的客户端订单号。
func newClientOrderID(tag string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	if tag != "" {
		return fmt.Sprintf("gptbot-%s-%d-%s", tag, time.Now().Unix(), short)
	}
	return fmt.Sprintf("gptbot-%d-%s", time.Now().Unix(), short)
}

func marshalDetails(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

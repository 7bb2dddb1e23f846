package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"gptbot/internal/config"
)

// Client 负责与 Bybit 线性合约交互并实现重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Bybit
	symbol   string

	marketsMu     sync.Mutex
	marketsLoaded bool
	marketInfo    MarketInfo
}

// NewClient 构造 Bybit 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"defaultType": "swap",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBybit(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
		symbol:   cfg.Symbol,
	}, nil
}

// Symbol 返回交易对符号。
func (c *Client) Symbol() string {
	return c.symbol
}

// Init 加载市场元数据并设置保证金模式与杠杆。
// 部分账户不允许切换模式或杠杆，这类失败只记录告警。
func (c *Client) Init(ctx context.Context) error {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	if _, err := c.exchange.SetMarginMode(c.cfg.MarginMode, ccxt.WithSetMarginModeSymbol(c.symbol)); err != nil {
		c.logger.Warn("设置保证金模式失败",
			zap.String("margin_mode", c.cfg.MarginMode),
			zap.Error(err),
		)
	}

	if _, err := c.exchange.SetLeverage(int64(c.cfg.Leverage), ccxt.WithSetLeverageSymbol(c.symbol)); err != nil {
		c.logger.Warn("设置杠杆失败",
			zap.Int("leverage", c.cfg.Leverage),
			zap.Error(err),
		)
	}

	return nil
}

// MarketInfo 返回交易对的步长与上下限约束。
func (c *Client) MarketInfo(ctx context.Context) (MarketInfo, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return MarketInfo{}, err
	}
	return c.marketInfo, nil
}

// FetchCandles 获取指定周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			c.symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchTicker 获取最新行情。
func (c *Client) FetchTicker(ctx context.Context) (Ticker, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		ticker, err := c.exchange.FetchTicker(c.symbol)
		if err != nil {
			return err
		}

		raw = ticker
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	ticker := Ticker{
		Symbol: c.symbol,
		Bid:    derefFloat(raw.Bid),
		Ask:    derefFloat(raw.Ask),
		Last:   derefFloat(raw.Last),
		Close:  derefFloat(raw.Close),
	}
	if raw.Timestamp != nil {
		ticker.Timestamp = time.UnixMilli(*raw.Timestamp).UTC()
	}

	return ticker, nil
}

// FetchOrderBook 获取订单簿快照。
func (c *Client) FetchOrderBook(ctx context.Context, depth int64) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 5
	}

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orderBook, err := c.exchange.FetchOrderBook(
			c.symbol,
			ccxt.WithFetchOrderBookLimit(depth),
		)
		if err != nil {
			return err
		}

		raw = orderBook
		return nil
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}

	return convertOrderBook(c.symbol, raw), nil
}

// FetchBalance 获取账户余额。
func (c *Client) FetchBalance(ctx context.Context) (ccxt.Balances, error) {
	var raw ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		raw = balances
		return nil
	})
	if err != nil {
		return ccxt.Balances{}, err
	}

	return raw, nil
}

// FetchPositions 获取当前持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]ccxt.Position, error) {
	var raw []ccxt.Position

	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		positions, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// FetchOpenOrders 获取当前交易对的未成交委托。
func (c *Client) FetchOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var raw []ccxt.Order

	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orders, err := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(c.symbol))
		if err != nil {
			return err
		}

		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, item := range raw {
		order := OpenOrder{
			ID:        derefString(item.Id),
			Side:      derefString(item.Side),
			Price:     derefFloat(item.Price),
			Amount:    derefFloat(item.Amount),
			Remaining: derefFloat(item.Remaining),
			Status:    derefString(item.Status),
		}
		if item.Timestamp != nil {
			order.Timestamp = time.UnixMilli(int64(*item.Timestamp)).UTC()
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// FetchTrades 获取最近逐笔成交，失败时返回空列表。
func (c *Client) FetchTrades(ctx context.Context, limit int64) ([]TradeTick, error) {
	if limit <= 0 {
		limit = 200
	}

	var raw []ccxt.Trade

	err := c.callWithRetry(ctx, "fetch_trades", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		trades, err := c.exchange.FetchTrades(c.symbol, ccxt.WithFetchTradesLimit(limit))
		if err != nil {
			return err
		}

		raw = trades
		return nil
	})
	if err != nil {
		c.logger.Warn("获取逐笔成交失败", zap.Error(err))
		return nil, nil
	}

	ticks := make([]TradeTick, 0, len(raw))
	for _, item := range raw {
		tick := TradeTick{
			Side:   derefString(item.Side),
			Price:  derefFloat(item.Price),
			Amount: derefFloat(item.Amount),
		}
		if item.Timestamp != nil {
			tick.Timestamp = int64(*item.Timestamp)
		}
		ticks = append(ticks, tick)
	}

	return ticks, nil
}

// FetchFundingRate 获取资金费率，交易所不支持时返回 nil。
func (c *Client) FetchFundingRate(ctx context.Context) (*FundingInfo, error) {
	var raw ccxt.FundingRate

	err := c.callWithRetry(ctx, "fetch_funding_rate", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		rate, err := c.exchange.FetchFundingRate(c.symbol)
		if err != nil {
			return err
		}

		raw = rate
		return nil
	})
	if err != nil {
		c.logger.Debug("获取资金费率失败", zap.Error(err))
		return nil, nil
	}

	info := &FundingInfo{Rate: derefFloat(raw.FundingRate)}
	if raw.Timestamp != nil {
		info.Timestamp = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return info, nil
}

// FetchOpenInterest 获取未平仓合约量，交易所不支持时返回 nil。
func (c *Client) FetchOpenInterest(ctx context.Context) (*OpenInterestInfo, error) {
	var raw ccxt.OpenInterest

	err := c.callWithRetry(ctx, "fetch_open_interest", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		oi, err := c.exchange.FetchOpenInterest(c.symbol)
		if err != nil {
			return err
		}

		raw = oi
		return nil
	})
	if err != nil {
		c.logger.Debug("获取未平仓量失败", zap.Error(err))
		return nil, nil
	}

	info := &OpenInterestInfo{
		Amount: derefFloat(raw.OpenInterestAmount),
		Value:  derefFloat(raw.OpenInterestValue),
	}
	if raw.Timestamp != nil {
		info.Timestamp = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return info, nil
}

// CreateLimitOrder 下限价单。下单失败不做自动重试：
// 不能在未确认止盈止损参数的情况下换一种语义重发。
func (c *Client) CreateLimitOrder(ctx context.Context, spec LimitOrderSpec) (OrderResult, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderResult{}, err
	}

	params := map[string]interface{}{}
	if spec.ClientOrderID != "" {
		params["clientOrderId"] = spec.ClientOrderID
	}
	if spec.TimeInForce != "" {
		params["timeInForce"] = spec.TimeInForce
	}
	if spec.ReduceOnly {
		params["reduceOnly"] = true
	}
	if spec.PostOnly {
		params["postOnly"] = true
	}
	if spec.TakeProfit > 0 {
		params["takeProfit"] = spec.TakeProfit
	}
	if spec.StopLoss > 0 {
		params["stopLoss"] = spec.StopLoss
	}

	order, err := c.exchange.CreateLimitOrder(
		c.symbol,
		spec.Side,
		spec.Amount,
		spec.Price,
		ccxt.WithCreateLimitOrderParams(params),
	)
	if err != nil {
		return OrderResult{}, err
	}

	return OrderResult{
		ID:            derefString(order.Id),
		ClientOrderID: derefString(order.ClientOrderId),
		Status:        derefString(order.Status),
		Price:         derefFloat(order.Price),
		Amount:        derefFloat(order.Amount),
	}, nil
}

// CancelOrder 取消单张委托。
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	if _, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(c.symbol)); err != nil {
		return err
	}
	return nil
}

// CancelAllOrders 取消该交易对的全部委托。
func (c *Client) CancelAllOrders(ctx context.Context) error {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	if _, err := c.exchange.CancelAllOrders(ccxt.WithCancelAllOrdersSymbol(c.symbol)); err != nil {
		return err
	}
	return nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		result, err := c.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		markets = result
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	market, ok := markets[c.symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, c.symbol)
	}
	if !derefBool(market.Contract) || !derefBool(market.Linear) {
		return fmt.Errorf("%w: %s", ErrNotLinearContract, c.symbol)
	}

	c.marketInfo = buildMarketInfo(market)
	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载",
		zap.String("symbol", c.symbol),
		zap.Float64("price_step", c.marketInfo.PriceStep),
		zap.Float64("amount_step", c.marketInfo.AmountStep),
	)
	return nil
}

func buildMarketInfo(market ccxt.MarketInterface) MarketInfo {
	info := MarketInfo{
		PriceStep:  toStep(market.Precision.Price),
		AmountStep: toStep(market.Precision.Amount),
	}

	if market.Limits.Price != nil {
		info.MinPrice = derefFloat(market.Limits.Price.Min)
		info.MaxPrice = derefFloat(market.Limits.Price.Max)
	}
	if market.Limits.Amount != nil {
		info.MinAmount = derefFloat(market.Limits.Amount.Min)
		info.MaxAmount = derefFloat(market.Limits.Amount.Max)
	}

	return info
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBookSnapshot {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{
			Price:  level[0],
			Amount: level[1],
		})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{
			Price:  level[0],
			Amount: level[1],
		})
	}

	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

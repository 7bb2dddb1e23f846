package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/decision"
	"gptbot/internal/exchange"
	"gptbot/internal/feature"
	"gptbot/internal/position"
)

const (
	candleFetchLimit  = 200
	candlePayloadTail = 120
	tradesFetchLimit  = 200
	orderBookDepth    = 5
	tradesWindow      = time.Minute
	cacheTTL          = 3 * time.Second
)

// ConfigSummary 为写入提示词的配置摘要。
type ConfigSummary struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	PostOnly  bool   `json:"post_only"`
}

// MarketInfoSummary 为合约步长与边界摘要。
type MarketInfoSummary struct {
	PriceStep  float64 `json:"price_step"`
	AmountStep float64 `json:"amount_step"`
	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
	MinAmount  float64 `json:"min_amount"`
	MaxAmount  float64 `json:"max_amount"`
}

// OrderBookSummary 为盘口前五档摘要。
type OrderBookSummary struct {
	BestBid       float64 `json:"best_bid"`
	BestAsk       float64 `json:"best_ask"`
	Spread        float64 `json:"spread"`
	SumBidVolTop5 float64 `json:"sum_bid_vol_top5"`
	SumAskVolTop5 float64 `json:"sum_ask_vol_top5"`
}

// TradesFlow 为最近一分钟逐笔成交的聚合。
type TradesFlow struct {
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	TicksPerMin int     `json:"ticks_per_min"`
	CVDDelta    float64 `json:"cvd_delta"`
}

// Features 汇总基础周期与高阶周期特征，高阶周期不可用时为 nil。
type Features struct {
	Base   feature.Set            `json:"base"`
	Higher map[string]interface{} `json:"higher"`
}

// MarketSnapshot 为市场侧快照。
type MarketSnapshot struct {
	Ticker       exchange.Ticker            `json:"ticker"`
	MarketInfo   MarketInfoSummary          `json:"market_info"`
	OrderBook    *OrderBookSummary          `json:"order_book_summary"`
	Features     Features                   `json:"features"`
	TradesFlow1m TradesFlow                 `json:"trades_flow_1m"`
	Funding      *exchange.FundingInfo      `json:"funding"`
	OpenInterest *exchange.OpenInterestInfo `json:"open_interest"`
}

// AccountSnapshot 为账户侧快照。
type AccountSnapshot struct {
	Balance    position.Balance     `json:"balance"`
	Position   *position.Detail     `json:"position"`
	OpenOrders []exchange.OpenOrder `json:"open_orders"`
}

// Snapshot 为一次完整的决策输入快照。
type Snapshot struct {
	Config    ConfigSummary          `json:"config"`
	Account   AccountSnapshot        `json:"account_snapshot"`
	Market    MarketSnapshot         `json:"market_snapshot"`
	Recent    []exchange.Candle      `json:"recent_ohlcv"`
	ExtraData map[string]interface{} `json:"extra_data"`
}

// Cache 保存周期内最近一次快照的热点数据，短时间内的重复请求直接复用。
type Cache struct {
	fetchedAt  time.Time
	ticker     *exchange.Ticker
	pos        *position.Detail
	openOrders []exchange.OpenOrder
}

// NewCache 创建空缓存。
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) fresh(now time.Time) bool {
	return c != nil && !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) <= cacheTTL
}

// Update 用最新快照刷新缓存。
func (c *Cache) Update(snap *Snapshot) {
	if c == nil || snap == nil {
		return
	}
	c.fetchedAt = time.Now()
	ticker := snap.Market.Ticker
	c.ticker = &ticker
	c.pos = snap.Account.Position
	c.openOrders = snap.Account.OpenOrders
}

type marketClient interface {
	Symbol() string
	MarketInfo(ctx context.Context) (exchange.MarketInfo, error)
	FetchCandles(ctx context.Context, timeframe string, limit int64) ([]exchange.Candle, error)
	FetchTicker(ctx context.Context) (exchange.Ticker, error)
	FetchOrderBook(ctx context.Context, depth int64) (exchange.OrderBookSnapshot, error)
	FetchOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error)
	FetchTrades(ctx context.Context, limit int64) ([]exchange.TradeTick, error)
	FetchFundingRate(ctx context.Context) (*exchange.FundingInfo, error)
	FetchOpenInterest(ctx context.Context) (*exchange.OpenInterestInfo, error)
}

type accountSource interface {
	FetchSnapshot(ctx context.Context) (position.Balance, *position.Detail, error)
	FetchBalance(ctx context.Context) (position.Balance, error)
	FetchPosition(ctx context.Context) (*position.Detail, error)
}

// Builder 负责拼装决策输入快照。
type Builder struct {
	client    marketClient
	account   accountSource
	extractor *feature.Extractor
	timeframe string
	postOnly  bool
	logger    *zap.Logger
}

// NewBuilder 创建快照构建器。
func NewBuilder(client marketClient, account accountSource, extractor *feature.Extractor, timeframe string, postOnly bool, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		client:    client,
		account:   account,
		extractor: extractor,
		timeframe: timeframe,
		postOnly:  postOnly,
		logger:    logger,
	}
}

// Build 拉取市场与账户数据并组装快照。extraData 为本周期已累积的补充数据。
func (b *Builder) Build(ctx context.Context, extraData map[string]interface{}) (*Snapshot, error) {
	candles, err := b.client.FetchCandles(ctx, b.timeframe, candleFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: 获取K线失败: %w", err)
	}

	baseFeatures, err := b.extractor.Extract(b.timeframe, candles)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	// 高阶周期特征失败时降级为空，不阻塞主流程
	var higher map[string]interface{}
	if parentTF := feature.ParentTimeframe(b.timeframe); parentTF != "" {
		higherCandles, err := b.client.FetchCandles(ctx, parentTF, candleFetchLimit)
		if err != nil {
			b.logger.Warn("获取高阶周期K线失败", zap.String("timeframe", parentTF), zap.Error(err))
		} else if set, err := b.extractor.Extract(parentTF, higherCandles); err == nil {
			higher = map[string]interface{}{"timeframe": parentTF}
			for k, v := range set {
				higher[k] = v
			}
		}
	}

	balance, pos, err := b.account.FetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	openOrders, err := b.client.FetchOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: 获取挂单失败: %w", err)
	}

	ticker, err := b.client.FetchTicker(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: 获取行情失败: %w", err)
	}

	var obSummary *OrderBookSummary
	if book, err := b.client.FetchOrderBook(ctx, orderBookDepth); err != nil {
		b.logger.Warn("获取订单簿失败", zap.Error(err))
	} else {
		obSummary = SummarizeOrderBook(book)
	}

	marketInfo, err := b.client.MarketInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: 获取市场信息失败: %w", err)
	}

	trades, err := b.client.FetchTrades(ctx, tradesFetchLimit)
	if err != nil {
		b.logger.Warn("获取逐笔成交失败", zap.Error(err))
	}
	flow := SummarizeTrades(trades, time.Now())

	funding, _ := b.client.FetchFundingRate(ctx)
	openInterest, _ := b.client.FetchOpenInterest(ctx)

	recent := candles
	if len(recent) > candlePayloadTail {
		recent = recent[len(recent)-candlePayloadTail:]
	}

	if extraData == nil {
		extraData = map[string]interface{}{}
	}

	snap := &Snapshot{
		Config: ConfigSummary{
			Symbol:    b.client.Symbol(),
			Timeframe: b.timeframe,
			PostOnly:  b.postOnly,
		},
		Account: AccountSnapshot{
			Balance:    balance,
			Position:   pos,
			OpenOrders: openOrders,
		},
		Market: MarketSnapshot{
			Ticker: ticker,
			MarketInfo: MarketInfoSummary{
				PriceStep:  marketInfo.PriceStep,
				AmountStep: marketInfo.AmountStep,
				MinPrice:   marketInfo.MinPrice,
				MaxPrice:   marketInfo.MaxPrice,
				MinAmount:  marketInfo.MinAmount,
				MaxAmount:  marketInfo.MaxAmount,
			},
			OrderBook: obSummary,
			Features: Features{
				Base:   baseFeatures,
				Higher: higher,
			},
			TradesFlow1m: flow,
			Funding:      funding,
			OpenInterest: openInterest,
		},
		Recent:    recent,
		ExtraData: extraData,
	}

	return snap, nil
}

// CollectExtra 按模型的数据请求拉取补充数据。返回值 fetched 表示是否发生了真实的交易所请求，
// 命中缓存不消耗请求额度。
func (b *Builder) CollectExtra(ctx context.Context, requests []decision.RequestItem, cache *Cache) (map[string]interface{}, bool, error) {
	out := map[string]interface{}{}
	fetched := false
	now := time.Now()

	for _, req := range requests {
		switch req.Kind {
		case decision.KindOHLCV:
			tf := argString(req.Args, "timeframe", "1m")
			limit := argInt(req.Args, "limit", candleFetchLimit)
			candles, err := b.client.FetchCandles(ctx, tf, limit)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充K线失败: %w", err)
			}
			out["ohlcv"] = candles
			fetched = true

		case decision.KindTicker:
			if cache.fresh(now) && cache.ticker != nil {
				out["ticker"] = cache.ticker
				continue
			}
			ticker, err := b.client.FetchTicker(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充行情失败: %w", err)
			}
			out["ticker"] = ticker
			fetched = true

		case decision.KindOrderBook:
			depth := argInt(req.Args, "limit", orderBookDepth)
			book, err := b.client.FetchOrderBook(ctx, depth)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充订单簿失败: %w", err)
			}
			out["orderbook"] = SummarizeOrderBook(book)
			fetched = true

		case decision.KindTrades:
			trades, err := b.client.FetchTrades(ctx, argInt(req.Args, "limit", tradesFetchLimit))
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充逐笔成交失败: %w", err)
			}
			out["trades_flow"] = SummarizeTrades(trades, now)
			fetched = true

		case decision.KindPositions:
			if cache.fresh(now) && cache.pos != nil {
				out["positions"] = cache.pos
				continue
			}
			pos, err := b.account.FetchPosition(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充持仓失败: %w", err)
			}
			out["positions"] = pos
			fetched = true

		case decision.KindBalance:
			balance, err := b.account.FetchBalance(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充余额失败: %w", err)
			}
			out["balance"] = balance
			fetched = true

		case decision.KindOpenOrders:
			if cache.fresh(now) && cache.openOrders != nil {
				out["open_orders"] = cache.openOrders
				continue
			}
			orders, err := b.client.FetchOpenOrders(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充挂单失败: %w", err)
			}
			out["open_orders"] = orders
			fetched = true

		case decision.KindFundingRate:
			funding, err := b.client.FetchFundingRate(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充资金费率失败: %w", err)
			}
			out["funding_rate"] = funding
			fetched = true

		case decision.KindOpenInterest:
			oi, err := b.client.FetchOpenInterest(ctx)
			if err != nil {
				return out, fetched, fmt.Errorf("snapshot: 补充未平仓合约失败: %w", err)
			}
			out["open_interest"] = oi
			fetched = true

		default:
			// mark_price/index_price 等在该交易所没有独立接口，跳过且不消耗额度
			b.logger.Debug("跳过不支持的数据请求", zap.String("kind", string(req.Kind)))
		}
	}

	return out, fetched, nil
}

// SummarizeOrderBook 将订单簿压缩为前五档摘要。
func SummarizeOrderBook(book exchange.OrderBookSnapshot) *OrderBookSummary {
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return nil
	}

	summary := &OrderBookSummary{}
	if len(book.Bids) > 0 {
		summary.BestBid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		summary.BestAsk = book.Asks[0].Price
	}
	if summary.BestBid > 0 && summary.BestAsk > 0 {
		summary.Spread = summary.BestAsk - summary.BestBid
	}

	depth := len(book.Bids)
	if depth > orderBookDepth {
		depth = orderBookDepth
	}
	for i := 0; i < depth; i++ {
		summary.SumBidVolTop5 += book.Bids[i].Amount
	}

	depth = len(book.Asks)
	if depth > orderBookDepth {
		depth = orderBookDepth
	}
	for i := 0; i < depth; i++ {
		summary.SumAskVolTop5 += book.Asks[i].Amount
	}

	return summary
}

// SummarizeTrades 汇总窗口期内的逐笔成交，CVD 为买卖量差。
func SummarizeTrades(trades []exchange.TradeTick, now time.Time) TradesFlow {
	flow := TradesFlow{}
	cutoff := now.Add(-tradesWindow).UnixMilli()

	for _, t := range trades {
		if t.Timestamp < cutoff {
			continue
		}
		flow.TicksPerMin++
		switch t.Side {
		case "buy":
			flow.BuyVolume += t.Amount
		case "sell":
			flow.SellVolume += t.Amount
		}
	}

	flow.CVDDelta = flow.BuyVolume - flow.SellVolume
	return flow
}

func argString(args map[string]interface{}, key, fallback string) string {
	if args == nil {
		return fallback
	}
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func argInt(args map[string]interface{}, key string, fallback int64) int64 {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	}
	return fallback
}

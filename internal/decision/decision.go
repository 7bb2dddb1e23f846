package decision

// Action 表示模型可以返回的决策动作。
type Action string

const (
	ActionPlaceOrder    Action = "place_order"
	ActionCancelOrder   Action = "cancel_order"
	ActionClosePosition Action = "close_position"
	ActionDoNothing     Action = "do_nothing"
	ActionRequestData   Action = "request_data"
)

// FallbackIdempotencyKey 为兜底 do_nothing 决策使用的固定幂等键。
const FallbackIdempotencyKey = "fallback-do-nothing"

// Decision 为通过校验后的强类型决策。params 的形态完全由 action 决定，
// 有且只有与 action 对应的一个字段非 nil。
type Decision struct {
	Action         Action               `json:"action"`
	IdempotencyKey string               `json:"idempotency_key"`
	Place          *PlaceOrderParams    `json:"place_order,omitempty"`
	Cancel         *CancelOrderParams   `json:"cancel_order,omitempty"`
	Close          *ClosePositionParams `json:"close_position,omitempty"`
	Request        *RequestDataParams   `json:"request_data,omitempty"`
}

// IsTerminal 判断决策是否会结束本轮循环。
func (d Decision) IsTerminal() bool {
	return d.Action != ActionRequestData
}

// Fallback 返回兜底的 do_nothing 决策。
func Fallback() Decision {
	return Decision{
		Action:         ActionDoNothing,
		IdempotencyKey: FallbackIdempotencyKey,
	}
}

// PlaceOrderParams 为限价开仓参数。止盈止损必须显式给出，没有默认值。
type PlaceOrderParams struct {
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Qty         float64 `json:"qty"`
	TakeProfit  float64 `json:"take_profit"`
	StopLoss    float64 `json:"stop_loss"`
	PostOnly    *bool   `json:"post_only,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
}

// CancelOrderParams 为撤单参数，order_id 与 all_for_symbol 至少给出一个。
type CancelOrderParams struct {
	OrderID      string `json:"order_id,omitempty"`
	AllForSymbol bool   `json:"all_for_symbol,omitempty"`
}

// ClosePositionParams 为平仓参数。
type ClosePositionParams struct {
	SizePct    float64 `json:"size_pct"`
	ReduceOnly bool    `json:"reduce_only"`
}

// RequestKind 为 request_data 可请求的数据类型。
type RequestKind string

const (
	KindOHLCV        RequestKind = "ohlcv"
	KindOrderBook    RequestKind = "orderbook"
	KindTrades       RequestKind = "trades"
	KindTicker       RequestKind = "ticker"
	KindFundingRate  RequestKind = "funding_rate"
	KindMarkPrice    RequestKind = "mark_price"
	KindIndexPrice   RequestKind = "index_price"
	KindPositions    RequestKind = "positions"
	KindBalance      RequestKind = "balance"
	KindOpenOrders   RequestKind = "open_orders"
	KindOpenInterest RequestKind = "open_interest"
)

var validKinds = map[RequestKind]struct{}{
	KindOHLCV:        {},
	KindOrderBook:    {},
	KindTrades:       {},
	KindTicker:       {},
	KindFundingRate:  {},
	KindMarkPrice:    {},
	KindIndexPrice:   {},
	KindPositions:    {},
	KindBalance:      {},
	KindOpenOrders:   {},
	KindOpenInterest: {},
}

// RequestItem 为单个数据请求。
type RequestItem struct {
	Kind RequestKind            `json:"kind"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// RequestDataParams 为 request_data 的请求列表，顺序有意义。
type RequestDataParams struct {
	Requests []RequestItem `json:"requests"`
}

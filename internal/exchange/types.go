package exchange

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker 为最新行情摘要。
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"`
}

// LastPrice 返回可用的最新成交价，优先 last，其次 close。
func (t Ticker) LastPrice() float64 {
	if t.Last > 0 {
		return t.Last
	}
	return t.Close
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// OpenOrder 表示一张未成交委托。
type OpenOrder struct {
	ID        string    `json:"id"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Remaining float64   `json:"remaining"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeTick 表示一笔逐笔成交。
type TradeTick struct {
	Timestamp int64   `json:"timestamp"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
}

// FundingInfo 为资金费率信息，不支持时为 nil。
type FundingInfo struct {
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenInterestInfo 为未平仓合约信息，不支持时为 nil。
type OpenInterestInfo struct {
	Amount    float64   `json:"amount"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderResult 为下单后交易所返回的关键信息。
type OrderResult struct {
	ID            string  `json:"id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	Amount        float64 `json:"amount"`
}

// LimitOrderSpec 描述一张限价单的全部参数。
type LimitOrderSpec struct {
	Side          string
	Amount        float64
	Price         float64
	ClientOrderID string
	TimeInForce   string
	ReduceOnly    bool
	PostOnly      bool
	TakeProfit    float64
	StopLoss      float64
}

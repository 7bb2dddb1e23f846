package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type accountClient interface {
	FetchBalance(ctx context.Context) (ccxt.Balances, error)
	FetchPositions(ctx context.Context) ([]ccxt.Position, error)
}

// Balance 描述账户 USDT 资金状况。
type Balance struct {
	TotalUSDT  float64   `json:"total_usdt"`
	FreeUSDT   float64   `json:"free_usdt"`
	UsedUSDT   float64   `json:"used_usdt"`
	Unrealized float64   `json:"unrealized_pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// Detail 表示目标合约的当前仓位，空仓时为 nil。
type Detail struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Contracts     float64   `json:"contracts"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	LiqPrice      float64   `json:"liquidation_price"`
	Notional      float64   `json:"notional"`
	Leverage      float64   `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	MarginMode    string    `json:"margin_mode"`
	Timestamp     time.Time `json:"timestamp"`
}

// NotionalUSDT 按开仓均价估算仓位名义价值，均价缺失时退回给定价格。
func (d *Detail) NotionalUSDT(fallbackPrice float64) float64 {
	if d == nil {
		return 0
	}
	price := d.EntryPrice
	if price == 0 {
		price = fallbackPrice
	}
	if price < 0 {
		price = -price
	}
	size := d.Contracts
	if size < 0 {
		size = -size
	}
	return price * size
}

// Manager 维护仓位与资金状态。
type Manager struct {
	client accountClient
	symbol string
	logger *zap.Logger
}

// NewManager 创建仓位管理器。
func NewManager(client accountClient, symbol string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		symbol: symbol,
		logger: logger,
	}
}

// FetchBalance 获取账户 USDT 余额。
func (m *Manager) FetchBalance(ctx context.Context) (Balance, error) {
	raw, err := m.client.FetchBalance(ctx)
	if err != nil {
		return Balance{}, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}
	return ParseBalance(raw), nil
}

// FetchPosition 获取目标合约的当前仓位，没有持仓时返回 nil。
func (m *Manager) FetchPosition(ctx context.Context) (*Detail, error) {
	rawPositions, err := m.client.FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 获取持仓失败: %w", err)
	}
	return SelectPosition(rawPositions, m.symbol), nil
}

// FetchSnapshot 同时获取余额与仓位。
func (m *Manager) FetchSnapshot(ctx context.Context) (Balance, *Detail, error) {
	balance, err := m.FetchBalance(ctx)
	if err != nil {
		return Balance{}, nil, err
	}
	detail, err := m.FetchPosition(ctx)
	if err != nil {
		return balance, nil, err
	}
	if detail != nil {
		balance.Unrealized = detail.UnrealizedPnl
	}
	return balance, detail, nil
}

// ParseBalance 从 ccxt 余额结构提取 USDT 字段。
func ParseBalance(raw ccxt.Balances) Balance {
	balance := Balance{Timestamp: time.Now().UTC()}

	if raw.Total != nil {
		if v, ok := raw.Total["USDT"]; ok && v != nil {
			balance.TotalUSDT = *v
		}
	}
	if raw.Free != nil {
		if v, ok := raw.Free["USDT"]; ok && v != nil {
			balance.FreeUSDT = *v
		}
	}
	if raw.Used != nil {
		if v, ok := raw.Used["USDT"]; ok && v != nil {
			balance.UsedUSDT = *v
		}
	}

	return balance
}

// SelectPosition 从持仓列表中挑出目标合约的非空仓位。
func SelectPosition(rawPositions []ccxt.Position, symbol string) *Detail {
	now := time.Now().UTC()

	for _, rawPos := range rawPositions {
		posSymbol := derefString(rawPos.Symbol)
		if posSymbol == "" || !strings.EqualFold(posSymbol, symbol) {
			continue
		}

		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		side := strings.ToLower(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "long"
		}

		entry := derefFloat(rawPos.EntryPrice)
		notional := derefFloat(rawPos.Notional)
		if notional == 0 {
			notional = entry * size
		}

		return &Detail{
			Symbol:        posSymbol,
			Side:          side,
			Contracts:     size,
			EntryPrice:    entry,
			MarkPrice:     derefFloat(rawPos.MarkPrice),
			LiqPrice:      derefFloat(rawPos.LiquidationPrice),
			Notional:      notional,
			Leverage:      derefFloat(rawPos.Leverage),
			UnrealizedPnl: derefFloat(rawPos.UnrealizedPnl),
			MarginMode:    strings.ToLower(strings.TrimSpace(derefString(rawPos.MarginMode))),
			Timestamp:     now,
		}
	}

	return nil
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

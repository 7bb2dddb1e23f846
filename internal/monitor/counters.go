package monitor

import "sync/atomic"

// Counters 维护进程级运行计数，跨协程安全。
type Counters struct {
	cycles       atomic.Int64
	ordersPlaced atomic.Int64
	errors       atomic.Int64
	fallbacks    atomic.Int64
}

// NewCounters 创建计数器。
func NewCounters() *Counters {
	return &Counters{}
}

// IncCycles 累加完成的决策周期数。
func (c *Counters) IncCycles() { c.cycles.Add(1) }

// IncOrdersPlaced 累加成功提交的订单数。
func (c *Counters) IncOrdersPlaced() { c.ordersPlaced.Add(1) }

// IncErrors 累加执行异常数。
func (c *Counters) IncErrors() { c.errors.Add(1) }

// IncFallbacks 累加兜底决策次数。
func (c *Counters) IncFallbacks() { c.fallbacks.Add(1) }

// CounterSnapshot 为计数器的一次只读快照。
type CounterSnapshot struct {
	Cycles       int64 `json:"cycles_total"`
	OrdersPlaced int64 `json:"orders_placed_total"`
	Errors       int64 `json:"errors_total"`
	Fallbacks    int64 `json:"fallback_decisions_total"`
}

// Snapshot 返回当前计数。
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Cycles:       c.cycles.Load(),
		OrdersPlaced: c.ordersPlaced.Load(),
		Errors:       c.errors.Load(),
		Fallbacks:    c.fallbacks.Load(),
	}
}

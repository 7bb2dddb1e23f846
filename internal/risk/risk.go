package risk

// Limits 定义下单前的硬性风控阈值。
type Limits struct {
	MaxOpenOrders     int
	MaxPositionUSDT   float64
	MaxOrdersPerHour  int
	ReduceOnlyOnClose bool
}

// OpenOrdersOK 判断当前挂单数是否仍有额度。
func OpenOrdersOK(currentOpenOrders int, limits Limits) bool {
	return currentOpenOrders < limits.MaxOpenOrders
}

// OrdersPerHourOK 判断最近一小时下单次数是否仍有额度。
func OrdersPerHourOK(recentOrders int, limits Limits) bool {
	return recentOrders < limits.MaxOrdersPerHour
}

// WouldExceedPositionUSDT 判断加仓后名义价值是否超出上限。
func WouldExceedPositionUSDT(currentPositionUSDT, additionalUSDT float64, limits Limits) bool {
	return currentPositionUSDT+additionalUSDT > limits.MaxPositionUSDT
}

// RemainingPositionUSDT 返回距离名义价值上限的剩余额度，不为负。
func RemainingPositionUSDT(currentPositionUSDT float64, limits Limits) float64 {
	remaining := limits.MaxPositionUSDT - currentPositionUSDT
	if remaining < 0 {
		return 0
	}
	return remaining
}

package decision

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSchema 表示模型输出未通过决策模式校验。
var ErrSchema = errors.New("决策未通过模式校验")

// IsSchemaError 判断错误是否为模式校验失败。
func IsSchemaError(err error) bool {
	return errors.Is(err, ErrSchema)
}

type envelope struct {
	Action         *string         `json:"action"`
	IdempotencyKey *string         `json:"idempotency_key"`
	Params         json.RawMessage `json:"params"`
}

// Validate 将模型返回的 JSON 校验为强类型 Decision。
// remainingInfoRequests 为本轮剩余的数据请求额度：
// 额度不大于 1 时 request_data 直接拒绝，强制模型在最后一次机会给出终态动作。
// params 中未知的多余字段会被忽略。
func Validate(raw []byte, remainingInfoRequests int) (Decision, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Decision{}, fmt.Errorf("%w: 顶层结构解析失败: %v", ErrSchema, err)
	}

	if env.Action == nil || *env.Action == "" {
		return Decision{}, fmt.Errorf("%w: action 不能为空", ErrSchema)
	}
	if env.IdempotencyKey == nil || *env.IdempotencyKey == "" {
		return Decision{}, fmt.Errorf("%w: idempotency_key 不能为空", ErrSchema)
	}
	if len(env.Params) == 0 {
		return Decision{}, fmt.Errorf("%w: params 不能缺失", ErrSchema)
	}

	var paramsObj map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &paramsObj); err != nil {
		return Decision{}, fmt.Errorf("%w: params 必须为对象: %v", ErrSchema, err)
	}

	decision := Decision{
		Action:         Action(*env.Action),
		IdempotencyKey: *env.IdempotencyKey,
	}

	switch decision.Action {
	case ActionPlaceOrder:
		place, err := validatePlaceOrder(env.Params)
		if err != nil {
			return Decision{}, err
		}
		decision.Place = place

	case ActionCancelOrder:
		cancel, err := validateCancelOrder(env.Params)
		if err != nil {
			return Decision{}, err
		}
		decision.Cancel = cancel

	case ActionClosePosition:
		close_, err := validateClosePosition(env.Params)
		if err != nil {
			return Decision{}, err
		}
		decision.Close = close_

	case ActionRequestData:
		if remainingInfoRequests <= 1 {
			return Decision{}, fmt.Errorf("%w: 数据请求额度已用尽，最后一次必须返回终态动作", ErrSchema)
		}
		request, err := validateRequestData(env.Params)
		if err != nil {
			return Decision{}, err
		}
		decision.Request = request

	case ActionDoNothing:
		// params 强制置空

	default:
		return Decision{}, fmt.Errorf("%w: 不支持的 action %q", ErrSchema, *env.Action)
	}

	return decision, nil
}

func validatePlaceOrder(raw json.RawMessage) (*PlaceOrderParams, error) {
	var params struct {
		Side        *string  `json:"side"`
		Price       *float64 `json:"price"`
		Qty         *float64 `json:"qty"`
		TakeProfit  *float64 `json:"take_profit"`
		StopLoss    *float64 `json:"stop_loss"`
		PostOnly    *bool    `json:"post_only"`
		TimeInForce *string  `json:"time_in_force"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: place_order 参数解析失败: %v", ErrSchema, err)
	}

	if params.Side == nil || (*params.Side != "buy" && *params.Side != "sell") {
		return nil, fmt.Errorf("%w: side 必须为 buy 或 sell", ErrSchema)
	}
	if params.Price == nil || *params.Price <= 0 {
		return nil, fmt.Errorf("%w: price 必须大于0", ErrSchema)
	}
	if params.Qty == nil || *params.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty 必须大于0", ErrSchema)
	}
	// 止盈止损不允许缺失或为 null，也没有隐式默认值
	if params.TakeProfit == nil || *params.TakeProfit <= 0 {
		return nil, fmt.Errorf("%w: take_profit 必须显式给出且大于0", ErrSchema)
	}
	if params.StopLoss == nil || *params.StopLoss <= 0 {
		return nil, fmt.Errorf("%w: stop_loss 必须显式给出且大于0", ErrSchema)
	}

	tif := ""
	if params.TimeInForce != nil && *params.TimeInForce != "" {
		switch *params.TimeInForce {
		case "GTC", "IOC", "FOK":
			tif = *params.TimeInForce
		default:
			return nil, fmt.Errorf("%w: time_in_force 取值非法: %s", ErrSchema, *params.TimeInForce)
		}
	}

	return &PlaceOrderParams{
		Side:        *params.Side,
		Price:       *params.Price,
		Qty:         *params.Qty,
		TakeProfit:  *params.TakeProfit,
		StopLoss:    *params.StopLoss,
		PostOnly:    params.PostOnly,
		TimeInForce: tif,
	}, nil
}

func validateCancelOrder(raw json.RawMessage) (*CancelOrderParams, error) {
	var params struct {
		OrderID      *string `json:"order_id"`
		AllForSymbol *bool   `json:"all_for_symbol"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: cancel_order 参数解析失败: %v", ErrSchema, err)
	}

	orderID := ""
	if params.OrderID != nil {
		orderID = *params.OrderID
	}
	all := params.AllForSymbol != nil && *params.AllForSymbol

	if orderID == "" && !all {
		return nil, fmt.Errorf("%w: 需要 order_id 或 all_for_symbol=true", ErrSchema)
	}

	return &CancelOrderParams{
		OrderID:      orderID,
		AllForSymbol: all,
	}, nil
}

func validateClosePosition(raw json.RawMessage) (*ClosePositionParams, error) {
	var params struct {
		SizePct    *float64 `json:"size_pct"`
		ReduceOnly *bool    `json:"reduce_only"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: close_position 参数解析失败: %v", ErrSchema, err)
	}

	sizePct := 100.0
	if params.SizePct != nil {
		if *params.SizePct <= 0 || *params.SizePct > 100 {
			return nil, fmt.Errorf("%w: size_pct 必须位于(0,100]", ErrSchema)
		}
		sizePct = *params.SizePct
	}

	reduceOnly := true
	if params.ReduceOnly != nil {
		reduceOnly = *params.ReduceOnly
	}

	return &ClosePositionParams{
		SizePct:    sizePct,
		ReduceOnly: reduceOnly,
	}, nil
}

func validateRequestData(raw json.RawMessage) (*RequestDataParams, error) {
	var params RequestDataParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: request_data 参数解析失败: %v", ErrSchema, err)
	}

	if len(params.Requests) == 0 {
		return nil, fmt.Errorf("%w: requests 不能为空", ErrSchema)
	}

	for i, item := range params.Requests {
		if _, ok := validKinds[item.Kind]; !ok {
			return nil, fmt.Errorf("%w: requests[%d].kind 取值非法: %s", ErrSchema, i, item.Kind)
		}
	}

	return &params, nil
}

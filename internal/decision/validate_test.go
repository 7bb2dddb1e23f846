package decision

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidatePlaceOrderValid(t *testing.T) {
	raw := []byte(`{
		"action": "place_order",
		"idempotency_key": "abc",
		"params": {
			"side": "buy",
			"price": 100.0,
			"qty": 0.1,
			"take_profit": 105.0,
			"stop_loss": 98.0
		}
	}`)

	d, err := Validate(raw, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Action != ActionPlaceOrder {
		t.Errorf("expected action=place_order, got %s", d.Action)
	}
	if d.Place == nil {
		t.Fatalf("expected place params to be populated")
	}
	if d.Place.TakeProfit != 105.0 || d.Place.StopLoss != 98.0 {
		t.Errorf("unexpected tp/sl: %v %v", d.Place.TakeProfit, d.Place.StopLoss)
	}
}

func TestValidatePlaceOrderRejectsMissingOrNonPositive(t *testing.T) {
	template := `{
		"action": "place_order",
		"idempotency_key": "abc",
		"params": {"side": "buy", %s}
	}`

	cases := []struct {
		name   string
		params string
	}{
		{"missing take_profit", `"price": 100, "qty": 0.1, "stop_loss": 98`},
		{"null take_profit", `"price": 100, "qty": 0.1, "take_profit": null, "stop_loss": 98`},
		{"missing stop_loss", `"price": 100, "qty": 0.1, "take_profit": 105`},
		{"zero price", `"price": 0, "qty": 0.1, "take_profit": 105, "stop_loss": 98`},
		{"negative qty", `"price": 100, "qty": -0.1, "take_profit": 105, "stop_loss": 98`},
		{"zero stop_loss", `"price": 100, "qty": 0.1, "take_profit": 105, "stop_loss": 0`},
		{"price as string", `"price": "100", "qty": 0.1, "take_profit": 105, "stop_loss": 98`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(fmt.Sprintf(template, tc.params))
			if _, err := Validate(raw, 5); err == nil {
				t.Errorf("expected validation failure")
			} else if !IsSchemaError(err) {
				t.Errorf("expected schema error, got %v", err)
			}
		})
	}
}

func TestValidatePlaceOrderTimeInForce(t *testing.T) {
	raw := []byte(`{
		"action": "place_order",
		"idempotency_key": "abc",
		"params": {
			"side": "sell", "price": 100, "qty": 1,
			"take_profit": 95, "stop_loss": 102,
			"time_in_force": "IOC"
		}
	}`)
	d, err := Validate(raw, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Place.TimeInForce != "IOC" {
		t.Errorf("expected IOC, got %s", d.Place.TimeInForce)
	}

	bad := []byte(strings.Replace(string(raw), "IOC", "DAY", 1))
	if _, err := Validate(bad, 5); err == nil {
		t.Errorf("expected invalid time_in_force to fail")
	}
}

func TestValidateCancelOrder(t *testing.T) {
	byID := []byte(`{"action":"cancel_order","idempotency_key":"k","params":{"order_id":"42"}}`)
	d, err := Validate(byID, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Cancel == nil || d.Cancel.OrderID != "42" {
		t.Errorf("unexpected cancel params: %+v", d.Cancel)
	}

	byAll := []byte(`{"action":"cancel_order","idempotency_key":"k","params":{"all_for_symbol":true}}`)
	if _, err := Validate(byAll, 5); err != nil {
		t.Errorf("all_for_symbol=true should pass: %v", err)
	}

	neither := []byte(`{"action":"cancel_order","idempotency_key":"k","params":{"all_for_symbol":false}}`)
	if _, err := Validate(neither, 5); err == nil {
		t.Errorf("expected failure when neither order_id nor all_for_symbol present")
	}

	empty := []byte(`{"action":"cancel_order","idempotency_key":"k","params":{}}`)
	if _, err := Validate(empty, 5); err == nil {
		t.Errorf("expected failure for empty cancel params")
	}
}

func TestValidateClosePositionDefaults(t *testing.T) {
	raw := []byte(`{"action":"close_position","idempotency_key":"k","params":{}}`)
	d, err := Validate(raw, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Close.SizePct != 100 {
		t.Errorf("expected default size_pct=100, got %v", d.Close.SizePct)
	}
	if !d.Close.ReduceOnly {
		t.Errorf("expected default reduce_only=true")
	}

	half := []byte(`{"action":"close_position","idempotency_key":"k","params":{"size_pct":50,"reduce_only":false}}`)
	d, err = Validate(half, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Close.SizePct != 50 || d.Close.ReduceOnly {
		t.Errorf("unexpected close params: %+v", d.Close)
	}

	for _, pct := range []string{"0", "-5", "100.5"} {
		raw := []byte(`{"action":"close_position","idempotency_key":"k","params":{"size_pct":` + pct + `}}`)
		if _, err := Validate(raw, 5); err == nil {
			t.Errorf("size_pct=%s should fail", pct)
		}
	}
}

func TestValidateRequestDataBudget(t *testing.T) {
	raw := []byte(`{
		"action": "request_data",
		"idempotency_key": "k",
		"params": {"requests": [{"kind": "ticker", "args": {}}]}
	}`)

	// 额度为 1 时必须拒绝，强制终态动作
	if _, err := Validate(raw, 1); err == nil {
		t.Fatalf("expected request_data to fail when remaining budget is 1")
	}
	if _, err := Validate(raw, 0); err == nil {
		t.Fatalf("expected request_data to fail when remaining budget is 0")
	}

	d, err := Validate(raw, 2)
	if err != nil {
		t.Fatalf("expected request_data to pass with budget 2: %v", err)
	}
	if d.Request == nil || len(d.Request.Requests) != 1 || d.Request.Requests[0].Kind != KindTicker {
		t.Errorf("unexpected request params: %+v", d.Request)
	}
}

func TestValidateRequestDataShape(t *testing.T) {
	emptyList := []byte(`{"action":"request_data","idempotency_key":"k","params":{"requests":[]}}`)
	if _, err := Validate(emptyList, 5); err == nil {
		t.Errorf("empty requests should fail")
	}

	badKind := []byte(`{"action":"request_data","idempotency_key":"k","params":{"requests":[{"kind":"weather"}]}}`)
	if _, err := Validate(badKind, 5); err == nil {
		t.Errorf("unknown kind should fail")
	}
}

func TestValidateTopLevelShape(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing action", `{"idempotency_key":"k","params":{}}`},
		{"empty action", `{"action":"","idempotency_key":"k","params":{}}`},
		{"missing key", `{"action":"do_nothing","params":{}}`},
		{"missing params", `{"action":"do_nothing","idempotency_key":"k"}`},
		{"params not object", `{"action":"do_nothing","idempotency_key":"k","params":[]}`},
		{"unsupported action", `{"action":"moon","idempotency_key":"k","params":{}}`},
		{"not json", `not a json object`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Validate([]byte(tc.raw), 5); err == nil {
				t.Errorf("expected failure")
			}
		})
	}
}

func TestValidateDoNothingForcesEmptyParams(t *testing.T) {
	raw := []byte(`{"action":"do_nothing","idempotency_key":"k","params":{"whatever":1}}`)
	d, err := Validate(raw, 5)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if d.Place != nil || d.Cancel != nil || d.Close != nil || d.Request != nil {
		t.Errorf("do_nothing should carry no params")
	}
	if !d.IsTerminal() {
		t.Errorf("do_nothing should be terminal")
	}
}

func TestValidateIgnoresUnknownExtraFields(t *testing.T) {
	raw := []byte(`{
		"action": "place_order",
		"idempotency_key": "abc",
		"params": {
			"side": "buy", "price": 100, "qty": 0.1,
			"take_profit": 105, "stop_loss": 98,
			"comment": "extra field should be tolerated"
		}
	}`)
	if _, err := Validate(raw, 5); err != nil {
		t.Errorf("unknown extra fields should be ignored: %v", err)
	}
}

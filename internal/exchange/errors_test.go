package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"gptbot/internal/config"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network error", &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"}, true},
		{"rate limited", &ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "too many requests"}, true},
		{"request timeout", &ccxt.Error{Type: ccxt.RequestTimeoutErrType, Message: "timed out"}, true},
		{"maintenance", &ccxt.Error{Type: ccxt.OnMaintenanceErrType, Message: "upgrading"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped network error", fmt.Errorf("fetch_ticker: %w",
			&ccxt.Error{Type: ccxt.ExchangeNotAvailableErrType, Message: "down"}), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyErrorDelegatesToIsRetryable(t *testing.T) {
	c := &Client{cfg: config.ExchangeConfig{}, logger: zap.NewNop()}

	retryableErr := &ccxt.Error{Type: ccxt.DDoSProtectionErrType, Message: "slow down"}
	if _, retry := c.classifyError(retryableErr); !retry {
		t.Errorf("ddos protection error should be retryable")
	}

	if _, retry := c.classifyError(errors.New("bad api key")); retry {
		t.Errorf("unclassified error must not be retried")
	}

	if _, retry := c.classifyError(context.Canceled); retry {
		t.Errorf("cancelled context must not be retried")
	}
}

func TestClassifyErrorNormalizesMaintenance(t *testing.T) {
	c := &Client{cfg: config.ExchangeConfig{}, logger: zap.NewNop()}

	normalized, retry := c.classifyError(&ccxt.Error{Type: ccxt.OnMaintenanceErrType, Message: "scheduled upgrade"})
	if retry {
		t.Fatalf("maintenance must not be retried")
	}
	if !errors.Is(normalized, ErrMaintenance) {
		t.Errorf("expected ErrMaintenance, got %v", normalized)
	}
}

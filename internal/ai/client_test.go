package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"gptbot/internal/config"
	"gptbot/internal/decision"
)

type fakeAPI struct {
	responses []string
	errs      []error
	requests  []openai.ChatCompletionRequest
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1

	if idx < len(f.errs) && f.errs[idx] != nil {
		return openai.ChatCompletionResponse{}, f.errs[idx]
	}

	content := ""
	if idx < len(f.responses) {
		content = f.responses[idx]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}, nil
}

func newTestClient(api *fakeAPI) *Client {
	return &Client{
		cfg: config.OpenAIConfig{
			Model:         "gpt-4o",
			FallbackModel: "gpt-4o-mini",
			Temperature:   0.2,
		},
		logger:       zap.NewNop(),
		api:          api,
		systemPrompt: "trading assistant",
	}
}

func TestDecideValidFirstTry(t *testing.T) {
	api := &fakeAPI{
		responses: []string{`{"action":"do_nothing","idempotency_key":"k1","params":{}}`},
	}
	c := newTestClient(api)

	d := c.Decide(context.Background(), map[string]interface{}{"x": 1}, 5)
	if d.Action != decision.ActionDoNothing || d.IdempotencyKey != "k1" {
		t.Errorf("unexpected decision: %+v", d)
	}
	if len(api.requests) != 1 {
		t.Errorf("expected 1 api call, got %d", len(api.requests))
	}
}

func TestDecideRepairsInvalidJSON(t *testing.T) {
	api := &fakeAPI{
		responses: []string{
			`thinking out loud, not json`,
			`{"action":"do_nothing","idempotency_key":"k2","params":{}}`,
		},
	}
	c := newTestClient(api)

	d := c.Decide(context.Background(), map[string]interface{}{"x": 1}, 5)
	if d.IdempotencyKey != "k2" {
		t.Errorf("expected repaired decision, got %+v", d)
	}
	if len(api.requests) != 2 {
		t.Fatalf("expected 2 api calls, got %d", len(api.requests))
	}
	// 第二次请求应携带格式提醒
	if !strings.Contains(api.requests[1].Messages[1].Content, "_hint") {
		t.Errorf("retry request should carry the format hint")
	}
}

func TestDecideFallsBackAfterTwoFailures(t *testing.T) {
	api := &fakeAPI{
		responses: []string{`garbage`, `still garbage`},
	}
	c := newTestClient(api)

	d := c.Decide(context.Background(), map[string]interface{}{"x": 1}, 5)
	if d.Action != decision.ActionDoNothing {
		t.Errorf("expected do_nothing fallback, got %s", d.Action)
	}
	if d.IdempotencyKey != decision.FallbackIdempotencyKey {
		t.Errorf("expected fallback idempotency key, got %s", d.IdempotencyKey)
	}
}

func TestAskRetriesTransientErrors(t *testing.T) {
	api := &fakeAPI{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []string{"", `{"action":"do_nothing","idempotency_key":"k3","params":{}}`},
	}
	c := newTestClient(api)

	content, err := c.ask(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("ask should succeed after retry: %v", err)
	}
	if !strings.Contains(content, "k3") {
		t.Errorf("unexpected content: %s", content)
	}
	if len(api.requests) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(api.requests))
	}
}

func TestAskOnceDropsTemperatureWhenRejected(t *testing.T) {
	api := &fakeAPI{
		errs: []error{&openai.APIError{
			HTTPStatusCode: http.StatusBadRequest,
			Message:        "temperature is not supported for this model",
		}, nil},
		responses: []string{"", `{"action":"do_nothing","idempotency_key":"k4","params":{}}`},
	}
	c := newTestClient(api)

	if _, err := c.askOnce(context.Background(), `{}`); err != nil {
		t.Fatalf("askOnce should recover by dropping temperature: %v", err)
	}
	if len(api.requests) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(api.requests))
	}
	if api.requests[0].Temperature == 0 {
		t.Errorf("first attempt should carry configured temperature")
	}
	if api.requests[1].Temperature != 0 {
		t.Errorf("second attempt should drop temperature")
	}
}

func TestAskOnceFallsBackToSecondaryModel(t *testing.T) {
	api := &fakeAPI{
		errs: []error{&openai.APIError{
			HTTPStatusCode: http.StatusNotFound,
			Message:        "the model `gpt-4o` does not exist",
		}, nil},
		responses: []string{"", `{"action":"do_nothing","idempotency_key":"k5","params":{}}`},
	}
	c := newTestClient(api)

	if _, err := c.askOnce(context.Background(), `{}`); err != nil {
		t.Fatalf("askOnce should recover via fallback model: %v", err)
	}
	if api.requests[1].Model != "gpt-4o-mini" {
		t.Errorf("expected fallback model, got %s", api.requests[1].Model)
	}
}

func TestAskOnceLeavesTransientModelErrorsForRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"plain error", errors.New("That model is currently overloaded with other requests")},
		{"rate limited api error", &openai.APIError{
			HTTPStatusCode: http.StatusTooManyRequests,
			Message:        "model is overloaded, please retry",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{errs: []error{tc.err}}
			c := newTestClient(api)

			if _, err := c.askOnce(context.Background(), `{}`); err == nil {
				t.Fatalf("transient error must surface for backoff retry")
			}
			// 不应降级模型或去掉 temperature，重试留给退避循环
			if len(api.requests) != 1 {
				t.Fatalf("expected 1 attempt, got %d", len(api.requests))
			}
			if api.requests[0].Model != "gpt-4o" {
				t.Errorf("configured model must be kept, got %s", api.requests[0].Model)
			}
		})
	}
}

func TestGPT5ModelSkipsTemperature(t *testing.T) {
	api := &fakeAPI{
		responses: []string{`{"action":"do_nothing","idempotency_key":"k6","params":{}}`},
	}
	c := newTestClient(api)
	c.cfg.Model = "gpt-5-turbo"

	if _, err := c.askOnce(context.Background(), `{}`); err != nil {
		t.Fatalf("askOnce returned error: %v", err)
	}
	if api.requests[0].Temperature != 0 {
		t.Errorf("gpt-5 models should not send temperature")
	}
}

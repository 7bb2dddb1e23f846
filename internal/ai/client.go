package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"gptbot/internal/config"
	"gptbot/internal/decision"
)

const (
	defaultFallbackModel = "gpt-4o-mini"
	maxAskAttempts       = 3
	backoffBase          = time.Second
	backoffCap           = 8 * time.Second
)

// completionAPI 抽象聊天补全调用，便于测试替换。
type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装 OpenAI 调用逻辑，Decide 永不失败，最坏情况下退回 do_nothing。
type Client struct {
	cfg          config.OpenAIConfig
	logger       *zap.Logger
	api          completionAPI
	systemPrompt string
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = defaultFallbackModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	systemPrompt, err := os.ReadFile(cfg.SystemPromptPath)
	if err != nil {
		return nil, fmt.Errorf("读取系统提示词失败: %w", err)
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:          cfg,
		logger:       logger,
		api:          openai.NewClientWithConfig(sdkConfig),
		systemPrompt: string(systemPrompt),
	}, nil
}

// Decide 获取一个通过校验的模型决策。模型输出非法时带提示重试一次，
// 再次失败则返回固定的 do_nothing 兜底决策，保证周期总能推进。
func (c *Client) Decide(ctx context.Context, payload interface{}, remainingInfoRequests int) decision.Decision {
	userJSON, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("序列化决策输入失败", zap.Error(err))
		return decision.Fallback()
	}

	content, err := c.ask(ctx, string(userJSON))
	if err != nil {
		c.logger.Warn("调用模型失败，带提示重试", zap.Error(err))
	} else {
		d, verr := decision.Validate([]byte(content), remainingInfoRequests)
		if verr == nil {
			return d
		}
		c.logger.Warn("模型决策未通过校验，带提示重试",
			zap.Error(verr),
			zap.String("raw_content", content),
		)
	}

	hinted, err := withHint(userJSON)
	if err != nil {
		c.logger.Error("构造重试输入失败", zap.Error(err))
		return decision.Fallback()
	}

	content, err = c.ask(ctx, hinted)
	if err != nil {
		c.logger.Error("重试调用模型失败，使用兜底决策", zap.Error(err))
		return decision.Fallback()
	}

	d, verr := decision.Validate([]byte(content), remainingInfoRequests)
	if verr != nil {
		c.logger.Error("模型决策二次校验失败，使用兜底决策",
			zap.Error(verr),
			zap.String("raw_content", content),
		)
		return decision.Fallback()
	}

	return d
}

// ask 发起一次聊天补全，带指数退避重试与模型降级。
func (c *Client) ask(ctx context.Context, userJSON string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxAskAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		content, err := c.askOnce(ctx, userJSON)
		if err == nil {
			return content, nil
		}
		lastErr = err
		c.logger.Warn("模型调用失败",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return "", lastErr
}

func (c *Client) askOnce(ctx context.Context, userJSON string) (string, error) {
	content, err := c.complete(ctx, c.cfg.Model, true, userJSON)
	if err == nil {
		return content, nil
	}

	// 供应商特例只认 API 错误类别，网络抖动、限流等交给上层退避重试
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return "", err
	}
	msg := strings.ToLower(apiErr.Message)

	// 部分模型不接受 temperature 参数，去掉后重试
	if apiErr.HTTPStatusCode == http.StatusBadRequest && strings.Contains(msg, "temperature") {
		return c.complete(ctx, c.cfg.Model, false, userJSON)
	}

	// 模型不存在或不可用时降级到备用模型
	if apiErr.HTTPStatusCode == http.StatusNotFound ||
		(apiErr.HTTPStatusCode == http.StatusBadRequest && strings.Contains(msg, "model")) {
		return c.complete(ctx, c.cfg.FallbackModel, false, userJSON)
	}

	return "", err
}

func (c *Client) complete(ctx context.Context, model string, withTemperature bool, userJSON string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userJSON},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	// gpt-5 系列不支持自定义 temperature
	if withTemperature && !strings.HasPrefix(model, "gpt-5-") {
		req.Temperature = float32(c.cfg.Temperature)
	}

	response, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("OpenAI 返回结果为空")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 返回内容为空")
	}
	return content, nil
}

// withHint 在原始输入前注入格式提醒，用于模型输出非法后的重试。
func withHint(userJSON []byte) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(userJSON, &payload); err != nil {
		return "", err
	}
	payload["_hint"] = "Return a single valid JSON object only, no explanations."

	hinted, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(hinted), nil
}

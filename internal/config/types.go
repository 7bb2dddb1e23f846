package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接与交易标的。
type ExchangeConfig struct {
	Symbol     string      `mapstructure:"symbol"`
	Timeframe  string      `mapstructure:"timeframe"`
	Leverage   int         `mapstructure:"leverage"`
	MarginMode string      `mapstructure:"margin_mode"`
	PostOnly   bool        `mapstructure:"post_only"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	FallbackModel    string        `mapstructure:"fallback_model"`
	Temperature      float64       `mapstructure:"temperature"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SystemPromptPath string        `mapstructure:"system_prompt_path"`
}

// LimitsConfig 管理每轮决策与下单的硬性限制。
type LimitsConfig struct {
	MaxInfoRequestsPerCycle int     `mapstructure:"max_info_requests_per_cycle"`
	MaxOpenOrders           int     `mapstructure:"max_open_orders"`
	MaxPositionUSDT         float64 `mapstructure:"max_position_usdt"`
	MaxOrdersPerHour        int     `mapstructure:"max_orders_per_hour"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	ReduceOnlyWhenClosing bool `mapstructure:"reduce_only_when_closing"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RuntimeConfig 控制运行期行为。
type RuntimeConfig struct {
	DryRun bool `mapstructure:"dry_run"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Symbol == "" {
		err = multierr.Append(err, errors.New("exchange.symbol 不能为空"))
	}
	if c.Exchange.Timeframe == "" {
		err = multierr.Append(err, errors.New("exchange.timeframe 不能为空"))
	}
	if c.Exchange.Leverage < 1 {
		err = multierr.Append(err, errors.New("exchange.leverage 必须大于等于1"))
	}
	if c.Exchange.MarginMode != "cross" && c.Exchange.MarginMode != "isolated" {
		err = multierr.Append(err, errors.New("exchange.margin_mode 只支持 cross 或 isolated"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.FallbackModel == "" {
		err = multierr.Append(err, errors.New("openai.fallback_model 不能为空"))
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		err = multierr.Append(err, errors.New("openai.temperature 必须位于[0,2]"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.OpenAI.SystemPromptPath == "" {
		err = multierr.Append(err, errors.New("openai.system_prompt_path 不能为空"))
	}
	if c.Limits.MaxInfoRequestsPerCycle < 1 {
		err = multierr.Append(err, errors.New("limits.max_info_requests_per_cycle 必须大于等于1"))
	}
	if c.Limits.MaxOpenOrders < 0 {
		err = multierr.Append(err, errors.New("limits.max_open_orders 不能为负"))
	}
	if c.Limits.MaxPositionUSDT < 0 {
		err = multierr.Append(err, errors.New("limits.max_position_usdt 不能为负"))
	}
	if c.Limits.MaxOrdersPerHour < 0 {
		err = multierr.Append(err, errors.New("limits.max_orders_per_hour 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// Timezone 为 IANA 时区名，所有计划时刻均按该时区解释。
	Timezone string `mapstructure:"timezone"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ScheduleConfig 描述定投计划文件来源与调度节奏。
type ScheduleConfig struct {
	Path string `mapstructure:"path"`
	// Strict 为 true 时任一计划条目校验失败即启动失败。
	Strict bool `mapstructure:"strict"`
	// Tick 为调度轮询粒度，0 表示按计划内容自动选择。
	Tick time.Duration `mapstructure:"tick"`
}

// FulfillmentConfig 控制订单履约过程。
type FulfillmentConfig struct {
	// PollInterval 为订单状态轮询间隔。
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// JournalConfig 管理履约事件日志库。
type JournalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
	// HTTPPort 为事件查询接口端口，0 表示不启动。
	HTTPPort int `mapstructure:"http_port"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.Timezone == "" {
		err = multierr.Append(err, errors.New("app.timezone 不能为空"))
	} else if _, tzErr := time.LoadLocation(c.App.Timezone); tzErr != nil {
		err = multierr.Append(err, fmt.Errorf("app.timezone 无法解析: %w", tzErr))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
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
	if c.Schedule.Path == "" {
		err = multierr.Append(err, errors.New("schedule.path 不能为空"))
	}
	if c.Schedule.Tick < 0 {
		err = multierr.Append(err, errors.New("schedule.tick 不能为负"))
	}
	if c.Fulfillment.PollInterval < time.Second {
		err = multierr.Append(err, errors.New("fulfillment.poll_interval 不能小于1秒"))
	}
	if c.Journal.Enabled {
		if c.Journal.Path == "" && !c.Journal.InMemory {
			err = multierr.Append(err, errors.New("journal.path 不能为空"))
		}
		if c.Journal.MaxOpenConns <= 0 {
			err = multierr.Append(err, errors.New("journal.max_open_conns 必须大于0"))
		}
		if c.Journal.MaxIdleConns < 0 {
			err = multierr.Append(err, errors.New("journal.max_idle_conns 不能为负"))
		}
		if c.Journal.ConnMaxLifetime < 0 {
			err = multierr.Append(err, errors.New("journal.conn_max_lifetime 不能为负"))
		}
		if c.Journal.HTTPPort < 0 || c.Journal.HTTPPort > 65535 {
			err = multierr.Append(err, errors.New("journal.http_port 必须位于[0,65535]"))
		}
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

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// Location 返回配置时区对应的 *time.Location。
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("加载时区 %q 失败: %w", c.App.Timezone, err)
	}
	return loc, nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Log           LogConfig           `mapstructure:"log"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	LLM           LLMConfig           `mapstructure:"llm"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	SQLitePath      string `mapstructure:"sqlite_path"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	SlowThresholdMs int    `mapstructure:"slow_threshold_ms"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// OrchestrationConfig 编排引擎参数
type OrchestrationConfig struct {
	DefaultMaxTokens          int    `mapstructure:"default_max_tokens"`
	TokenEstimator            string `mapstructure:"token_estimator"` // chars, tiktoken
	TiktokenModel             string `mapstructure:"tiktoken_model"`
	DefaultDedupWindowMinutes int    `mapstructure:"default_dedup_window_minutes"`
	ParallelMaxConcurrency    int    `mapstructure:"parallel_max_concurrency"`
	ToolsDir                  string `mapstructure:"tools_dir"`
	ChainTemplatesDir         string `mapstructure:"chain_templates_dir"`
	DedupStore                string `mapstructure:"dedup_store"` // database, redis
}

// WorkerConfig 异步任务配置
type WorkerConfig struct {
	Enabled                bool           `mapstructure:"enabled"`
	Concurrency            int            `mapstructure:"concurrency"`
	Queues                 map[string]int `mapstructure:"queues"`
	BudgetResetCron        string         `mapstructure:"budget_reset_cron"`
	BudgetMonthlyResetCron string         `mapstructure:"budget_monthly_reset_cron"`
	MemoryPurgeCron        string         `mapstructure:"memory_purge_cron"`
	StalePausedCron        string         `mapstructure:"stale_paused_cron"`
	StalePausedHours       int            `mapstructure:"stale_paused_hours"`
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LLMConfig 智能体执行器配置
type LLMConfig struct {
	Provider        string  `mapstructure:"provider"` // openai, echo
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	OrgID           string  `mapstructure:"org_id"`
	Model           string  `mapstructure:"model"`
	MaxRetries      int     `mapstructure:"max_retries"`
	MaxToolRounds   int     `mapstructure:"max_tool_rounds"`
	Temperature     float32 `mapstructure:"temperature"`
	CostPer1KTokens float64 `mapstructure:"cost_per_1k_tokens"`
}

var globalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "workhub.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_threshold_ms", 200)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("orchestration.default_max_tokens", 4000)
	v.SetDefault("orchestration.token_estimator", "chars")
	v.SetDefault("orchestration.tiktoken_model", "gpt-4")
	v.SetDefault("orchestration.default_dedup_window_minutes", 0)
	v.SetDefault("orchestration.parallel_max_concurrency", 5)
	v.SetDefault("orchestration.tools_dir", "./config/tools")
	v.SetDefault("orchestration.chain_templates_dir", "./config/chain_templates")
	v.SetDefault("orchestration.dedup_store", "database")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"chains": 6, "agents": 3, "maintenance": 1})
	v.SetDefault("worker.budget_reset_cron", "0 0 * * *")
	v.SetDefault("worker.budget_monthly_reset_cron", "0 0 1 * *")
	v.SetDefault("worker.memory_purge_cron", "*/30 * * * *")
	v.SetDefault("worker.stale_paused_cron", "0 * * * *")
	v.SetDefault("worker.stale_paused_hours", 24)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("llm.provider", "echo")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.org_id", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.max_tool_rounds", 5)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.cost_per_1k_tokens", 0.002)
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 服务配置（config.yaml + 环境变量覆盖）
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RealtimeConfig 实时投递子系统配置
type RealtimeConfig struct {
	// 签名密钥按固定优先级取第一个非空值：
	// realtime_jwt_secret > jwt_secret > app_secret
	RealtimeJWTSecret string `mapstructure:"realtime_jwt_secret"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	AppSecret         string `mapstructure:"app_secret"`

	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	StreamMaxLen   int64         `mapstructure:"stream_maxlen" validate:"gt=0"`
	DrainBatchSize int           `mapstructure:"drain_batch_size" validate:"gt=0"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	DrainWorkers   int           `mapstructure:"drain_workers" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gt=0"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// SigningSecret 解析签名密钥（一次性，启动时调用）。三个候选都为空时返回错误。
func (c RealtimeConfig) SigningSecret() (string, error) {
	for _, s := range []string{c.RealtimeJWTSecret, c.JWTSecret, c.AppSecret} {
		if s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("no signing secret configured (realtime_jwt_secret / jwt_secret / app_secret)")
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Load 读取 config.yaml 并应用环境变量覆盖（REALTIME_RELAY_ 前缀）
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres port=5432 sslmode=disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	// 注册密钥键以便仅靠环境变量覆盖也能生效
	v.SetDefault("realtime.realtime_jwt_secret", "")
	v.SetDefault("realtime.jwt_secret", "")
	v.SetDefault("realtime.app_secret", "")
	v.SetDefault("realtime.token_ttl", 15*time.Minute)
	v.SetDefault("realtime.stream_maxlen", 10000)
	v.SetDefault("realtime.drain_batch_size", 100)
	v.SetDefault("realtime.drain_interval", 5*time.Second)
	v.SetDefault("realtime.drain_workers", 4)
	v.SetDefault("realtime.max_attempts", 5)

	v.SetEnvPrefix("REALTIME_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 配置文件可选；仅靠默认值 + 环境变量也能启动
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

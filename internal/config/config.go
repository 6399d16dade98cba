package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 PAYSETTLE_SECURITY_WEBHOOK_SECRET
const EnvPrefix = "PAYSETTLE"

// Config 全局配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	MySQL        MySQLConfig        `mapstructure:"mysql"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Security     SecurityConfig     `mapstructure:"security"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Notification NotificationConfig `mapstructure:"notification"`
	Business     BusinessConfig     `mapstructure:"business"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"` // 雪花算法机器ID，多实例部署时必须不同
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentSettled string `mapstructure:"payment_settled"`
	PaymentFailed  string `mapstructure:"payment_failed"`
}

// GatewayConfig 第三方支付网关凭证（Basic Auth）
type GatewayConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	KeyID     string        `mapstructure:"key_id"`
	KeySecret string        `mapstructure:"key_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SecurityConfig 验签与鉴权相关配置
type SecurityConfig struct {
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTTTL          time.Duration `mapstructure:"jwt_ttl"`
}

// RateLimitPolicy 一个调用点的限流策略
type RateLimitPolicy struct {
	Threshold  int           `mapstructure:"threshold"`
	WarnMargin int           `mapstructure:"warn_margin"`
	Window     time.Duration `mapstructure:"window"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

type RateLimitConfig struct {
	Login         RateLimitPolicy `mapstructure:"login"`
	PaymentIntent RateLimitPolicy `mapstructure:"payment_intent"`
	Form          RateLimitPolicy `mapstructure:"form"`
}

type NotificationConfig struct {
	AdminRecipients []string `mapstructure:"admin_recipients"`
}

type BusinessConfig struct {
	MaxRetryCount      int           `mapstructure:"max_retry_count"`
	IntentExpiry       time.Duration `mapstructure:"intent_expiry"`
	RateLimitRetention time.Duration `mapstructure:"rate_limit_retention"`
}

type TracingConfig struct {
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "paysettle")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.payment_settled", "payment.settled")
	v.SetDefault("kafka.topic.payment_failed", "payment.failed")

	v.SetDefault("gateway.base_url", "https://api.razorpay.com")
	v.SetDefault("gateway.key_id", "")
	v.SetDefault("gateway.key_secret", "")
	v.SetDefault("gateway.timeout", 30*time.Second)

	v.SetDefault("security.webhook_secret", "")
	v.SetDefault("security.verification_ttl", 5*time.Minute)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_ttl", 24*time.Hour)

	// 登录：固定 30 分钟封禁
	v.SetDefault("rate_limit.login.threshold", 5)
	v.SetDefault("rate_limit.login.warn_margin", 2)
	v.SetDefault("rate_limit.login.window", 15*time.Minute)
	v.SetDefault("rate_limit.login.cooldown", 30*time.Minute)
	v.SetDefault("rate_limit.payment_intent.threshold", 10)
	v.SetDefault("rate_limit.payment_intent.warn_margin", 3)
	v.SetDefault("rate_limit.payment_intent.window", time.Minute)
	v.SetDefault("rate_limit.payment_intent.cooldown", 5*time.Minute)
	// 表单：固定窗口 + 最大次数
	v.SetDefault("rate_limit.form.threshold", 5)
	v.SetDefault("rate_limit.form.warn_margin", 1)
	v.SetDefault("rate_limit.form.window", time.Hour)
	v.SetDefault("rate_limit.form.cooldown", time.Hour)

	v.SetDefault("notification.admin_recipients", []string{})

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.intent_expiry", 30*time.Minute)
	v.SetDefault("business.rate_limit_retention", 30*24*time.Hour)

	v.SetDefault("tracing.jaeger_endpoint", "")
}

// LoadConfig 加载配置：默认值 < 配置文件 < 环境变量
//
// 配置文件可选，生产环境通常只通过环境变量注入密钥
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "读取配置文件失败: %s", configPath)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "解析配置失败")
	}

	return cfg, nil
}

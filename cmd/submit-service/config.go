package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
	"judgeline/internal/common/health"
	commonmw "judgeline/internal/common/http/middleware"
	"judgeline/internal/common/mq"
	"judgeline/internal/common/storage"
	"judgeline/internal/submit/service"
	"judgeline/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultHealthAddr      = "0.0.0.0:9086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ConsumerConfig holds result consumer settings.
type ConsumerConfig struct {
	Group          string        `yaml:"group"`
	Concurrency    int           `yaml:"concurrency"`
	PrefetchCount  int           `yaml:"prefetchCount"`
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
}

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	ArchiveBucket      string                  `yaml:"archiveBucket"`
	MaxCodeBytes       int                     `yaml:"maxCodeBytes"`
	IdempotencyTTL     time.Duration           `yaml:"idempotencyTTL"`
	SubmissionCacheTTL time.Duration           `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL time.Duration           `yaml:"submissionEmptyTTL"`
	ProblemCacheTTL    time.Duration           `yaml:"problemCacheTTL"`
	ProblemEmptyTTL    time.Duration           `yaml:"problemEmptyTTL"`
	ProblemLocalSize   int                     `yaml:"problemLocalSize"`
	ProblemLocalTTL    time.Duration           `yaml:"problemLocalTTL"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// AppConfig holds submit-service configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Health   health.Config       `yaml:"health"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	Topics   service.TopicConfig `yaml:"topics"`
	Consumer ConsumerConfig      `yaml:"consumer"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Auth     commonmw.AuthConfig `yaml:"auth"`
	Submit   SubmitConfig        `yaml:"submit"`
}

func (c ConsumerConfig) toSubscribeOptions() *mq.SubscribeOptions {
	opts := &mq.SubscribeOptions{
		ConsumerGroup:  c.Group,
		Concurrency:    c.Concurrency,
		PrefetchCount:  c.PrefetchCount,
		HandlerTimeout: c.HandlerTimeout,
	}
	opts.SetDefaults()
	return opts
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = defaultHealthAddr
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwtSecret is required")
	}
	if cfg.Auth.BlacklistTimeout == 0 {
		cfg.Auth.BlacklistTimeout = 200 * time.Millisecond
	}

	if cfg.Topics.Jobs == "" {
		cfg.Topics.Jobs = "judge.jobs"
	}
	if cfg.Topics.Results == "" {
		cfg.Topics.Results = "judge.results"
	}
	if cfg.Topics.ResultsDead == "" {
		cfg.Topics.ResultsDead = cfg.Topics.Results + ".dead"
	}
	if cfg.Consumer.Group == "" {
		cfg.Consumer.Group = "submit-service"
	}

	if cfg.Submit.SubmissionCacheTTL == 0 {
		cfg.Submit.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.Submit.SubmissionEmptyTTL == 0 {
		cfg.Submit.SubmissionEmptyTTL = 5 * time.Minute
	}
	if cfg.Submit.ProblemCacheTTL == 0 {
		cfg.Submit.ProblemCacheTTL = 10 * time.Minute
	}
	if cfg.Submit.ProblemEmptyTTL == 0 {
		cfg.Submit.ProblemEmptyTTL = time.Minute
	}
	if cfg.Submit.ProblemLocalSize == 0 {
		cfg.Submit.ProblemLocalSize = 256
	}
	if cfg.Submit.RateLimit.Window == 0 {
		cfg.Submit.RateLimit.Window = time.Minute
	}
	if cfg.Submit.RateLimit.UserMax == 0 {
		cfg.Submit.RateLimit.UserMax = 30
	}
	if cfg.Submit.Timeouts.DB == 0 {
		cfg.Submit.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Cache == 0 {
		cfg.Submit.Timeouts.Cache = time.Second
	}
	if cfg.Submit.Timeouts.MQ == 0 {
		cfg.Submit.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Storage == 0 {
		cfg.Submit.Timeouts.Storage = 5 * time.Second
	}

	return &cfg, nil
}

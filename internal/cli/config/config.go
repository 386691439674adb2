package config

import (
	"fmt"
	"os"
	"time"

	"judgeline/internal/common/mq"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8086"
	DefaultTimeout        = 10 * time.Second
	DefaultTokenStatePath = "configs/judgectl_state.json"
	DefaultHistoryFile    = "configs/.judgectl_history"
	DefaultResultsTopic   = "judge.results"
	DefaultTokenTTL       = time.Hour
)

// AuthConfig lets judgectl mint development tokens with the service secret.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	JWTIssuer string        `yaml:"jwtIssuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

// Config holds CLI configuration. Kafka is only dialed by result publish.
type Config struct {
	BaseURL        string         `yaml:"baseURL"`
	Timeout        time.Duration  `yaml:"timeout"`
	TokenStatePath string         `yaml:"tokenStatePath"`
	HistoryFile    string         `yaml:"historyFile"`
	PrettyJSON     *bool          `yaml:"prettyJSON"`
	Kafka          mq.KafkaConfig `yaml:"kafka"`
	ResultsTopic   string         `yaml:"resultsTopic"`
	Auth           AuthConfig     `yaml:"auth"`
}

// Load reads path; a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenStatePath == "" {
		cfg.TokenStatePath = DefaultTokenStatePath
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = DefaultHistoryFile
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
	if cfg.ResultsTopic == "" {
		cfg.ResultsTopic = DefaultResultsTopic
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
}

package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Queue     QueueConfig     `yaml:"queue"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	// mysql（默认）/ sqlite（本地调试、测试）
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	// 直接给出 DSN 时忽略上面的拼接字段（sqlite 时为文件路径）
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AggregateConfig struct {
	// 等待 lineage 锁的最长时间（MySQL GET_LOCK 的 timeout）
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
	CodeVersion        string `yaml:"code_version"`
	MaxContested       int    `yaml:"max_contested"`
}

type AnalysisConfig struct {
	// BASIC 分析的代码版本：与缓存中的 code_version 不一致即视为过期
	CodeVersion string `yaml:"code_version"`
}

type QueueConfig struct {
	Workers      int `yaml:"workers"`
	Buffer       int `yaml:"buffer"`
	RetryLimit   int `yaml:"retry_limit"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

func (a AggregateConfig) LockTimeout() time.Duration {
	return time.Duration(a.LockTimeoutSeconds) * time.Second
}

func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}

// ApplyDefaults 填充未配置的字段
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Aggregate.LockTimeoutSeconds <= 0 {
		c.Aggregate.LockTimeoutSeconds = 30
	}
	if c.Aggregate.CodeVersion == "" {
		c.Aggregate.CodeVersion = "1.0.0"
	}
	if c.Aggregate.MaxContested <= 0 {
		c.Aggregate.MaxContested = 20
	}
	if c.Analysis.CodeVersion == "" {
		c.Analysis.CodeVersion = "1.0.0"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	// 负数表示不重试
	if c.Queue.RetryLimit == 0 {
		c.Queue.RetryLimit = 3
	}
	if c.Queue.RetryDelayMS <= 0 {
		c.Queue.RetryDelayMS = 2000
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "解析配置文件失败")
	}
	config.ApplyDefaults()

	return &config, nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optionflow   OptionflowConfig   `yaml:"optionflow"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Collector    CollectorConfig    `yaml:"collector"`
	Processor    ProcessorConfig    `yaml:"processor"`
	Writer       WriterConfig       `yaml:"writer"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Bus          BusConfig          `yaml:"bus"`
	Health       HealthConfig       `yaml:"health"`
	Sinks        SinksConfig        `yaml:"sinks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type IndexConfig struct {
	Name       string  `yaml:"name"`
	ATMStrike  float64 `yaml:"atm_strike"`
	StrikeStep float64 `yaml:"strike_step"`
}

type CollectorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SourceID      string        `yaml:"source_id"`
	Interval      time.Duration `yaml:"interval"`
	Indices       []IndexConfig `yaml:"indices"`
	StrikeOffsets []int         `yaml:"strike_offsets"`
	ExpiryBuckets []string      `yaml:"expiry_buckets"`
	RateLimit     float64       `yaml:"rate_limit"`
}

type ProcessorConfig struct {
	TimestampBucket time.Duration `yaml:"timestamp_bucket"`
	MergeWaitWindow time.Duration `yaml:"merge_wait_window"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	MaxWait time.Duration `yaml:"max_wait"`
}

type WriterConfig struct {
	MaxWorkers          int         `yaml:"max_workers"`
	Batch               BatchConfig `yaml:"batch"`
	Retry               RetryConfig `yaml:"retry"`
	CursorConflictLimit int         `yaml:"cursor_conflict_limit"`
}

type CoordinationConfig struct {
	LockTTL        time.Duration `yaml:"lock_ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

type BusConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRedeliveries   int           `yaml:"max_redeliveries"`
}

type HealthConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MissThreshold      int           `yaml:"miss_threshold"`
	AnomalyK           float64       `yaml:"anomaly_k"`
	AnomalySustain     time.Duration `yaml:"anomaly_sustain"`
	BaselineWindow     int           `yaml:"baseline_window"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	StuckLockAfter     time.Duration `yaml:"stuck_lock_after"`
}

type CSVSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

type InfluxSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Token   string `yaml:"token"`
}

type S3SinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SinksConfig struct {
	CSV           CSVSinkConfig    `yaml:"csv"`
	Influx        InfluxSinkConfig `yaml:"influx"`
	S3            S3SinkConfig     `yaml:"s3"`
	Kafka         KafkaConfig      `yaml:"kafka"`
	DeadLetterDir string           `yaml:"dead_letter_dir"`
	RequiredSinks []string         `yaml:"required_sinks"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Sinks.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sinks.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sinks.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sinks.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sinks.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if config.Sinks.Influx.Enabled {
		if v := os.Getenv("INFLUX_TOKEN"); v != "" {
			config.Sinks.Influx.Token = strings.TrimSpace(v)
		}
	}

	config.Sinks.S3.Bucket = strings.TrimSpace(config.Sinks.S3.Bucket)

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills documented safe defaults for durations the file may
// omit. The merge wait window defaults to twice the collection interval so
// a leg always survives at least one extra poll cycle before flushing as
// partial.
func applyDefaults(cfg *Config) {
	if cfg.Collector.Interval <= 0 {
		cfg.Collector.Interval = 30 * time.Second
	}
	if cfg.Processor.MergeWaitWindow <= 0 {
		cfg.Processor.MergeWaitWindow = 2 * cfg.Collector.Interval
	}
	if cfg.Processor.TimestampBucket <= 0 {
		cfg.Processor.TimestampBucket = time.Minute
	}
	if cfg.Processor.DedupWindow <= 0 {
		cfg.Processor.DedupWindow = 10 * time.Minute
	}
	if cfg.Coordination.LockTTL <= 0 {
		cfg.Coordination.LockTTL = 30 * time.Second
	}
	if cfg.Coordination.AcquireTimeout <= 0 {
		cfg.Coordination.AcquireTimeout = 10 * time.Second
	}
	if cfg.Writer.CursorConflictLimit <= 0 {
		cfg.Writer.CursorConflictLimit = 3
	}
	if cfg.Writer.Batch.MaxWait <= 0 {
		cfg.Writer.Batch.MaxWait = cfg.Collector.Interval
	}
	if cfg.Health.StuckLockAfter <= 0 {
		cfg.Health.StuckLockAfter = 3 * cfg.Coordination.LockTTL
	}
	if cfg.Sinks.DeadLetterDir == "" {
		cfg.Sinks.DeadLetterDir = "data/dead_letter"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Writer.MaxWorkers <= 0 {
		return fmt.Errorf("writer.max_workers must be greater than 0")
	}
	if cfg.Writer.Batch.Size <= 0 {
		return fmt.Errorf("writer.batch.size must be greater than 0")
	}

	if cfg.Collector.Enabled {
		if len(cfg.Collector.Indices) == 0 {
			return fmt.Errorf("collector.indices is required when the collector is enabled")
		}
		for _, idx := range cfg.Collector.Indices {
			if idx.Name == "" {
				return fmt.Errorf("collector.indices entries require a name")
			}
			if idx.StrikeStep <= 0 {
				return fmt.Errorf("collector index %s requires a positive strike_step", idx.Name)
			}
		}
	}

	if cfg.Sinks.Influx.Enabled {
		if cfg.Sinks.Influx.URL == "" || cfg.Sinks.Influx.Bucket == "" {
			return fmt.Errorf("sinks.influx.url and sinks.influx.bucket are required when influx is enabled")
		}
	}

	if cfg.Sinks.S3.Enabled {
		if cfg.Sinks.S3.Bucket == "" {
			return fmt.Errorf("sinks.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sinks.S3.Region == "" {
			return fmt.Errorf("sinks.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Sinks.S3.Bucket) {
			return fmt.Errorf("sinks.s3.bucket '%s' is invalid", cfg.Sinks.S3.Bucket)
		}
	}

	if cfg.Sinks.Kafka.Enabled && len(cfg.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

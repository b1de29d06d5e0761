package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env               string           `mapstructure:"env"`
	LogLevel          string           `mapstructure:"log_level"`
	LogType           string           `mapstructure:"log_type"`
	ServiceName       string           `mapstructure:"service_name"`
	Port              string           `mapstructure:"port"`
	Version           string           `mapstructure:"version"`
	CrawlerID         string           `mapstructure:"crawler_id"`
	WorkerSettings    *WorkerConfig    `mapstructure:"worker"`
	S3Settings        *S3Config        `mapstructure:"s3"`
	QueueSettings     *QueueConfig     `mapstructure:"queue"`
	DedupSettings     *DedupConfig     `mapstructure:"dedup"`
	ConsumerSettings  *ConsumerConfig  `mapstructure:"consumer"`
	DbSettings        *DatabaseConfig  `mapstructure:"database"`
	PipelineSettings  *PipelineConfig  `mapstructure:"pipeline"`
	TelemetrySettings *TelemetryConfig `mapstructure:"telemetry"`
}

type WorkerConfig struct {
	WorkersNum int `mapstructure:"workers_num"`
}

type S3Config struct {
	AwsBaseEndpoint   string        `mapstructure:"aws_base_endpoint"`
	Region            string        `mapstructure:"region"`
	BucketName        string        `mapstructure:"bucket_name"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
	SessionMaxAge     time.Duration `mapstructure:"session_max_age"`
	MaxConcurrentIO   int64         `mapstructure:"max_concurrent_io"`
}

type QueueConfig struct {
	Transport       string        `mapstructure:"transport"`
	IndexingQueue   string        `mapstructure:"indexing_queue"`
	EventsQueue     string        `mapstructure:"events_queue"`
	DeadLetterQueue string        `mapstructure:"dlq_queue"`
	DLQPolicy       string        `mapstructure:"dlq_policy"`
	MaxConcurrentIO int64         `mapstructure:"max_concurrent_io"`
	SessionMaxAge   time.Duration `mapstructure:"session_max_age"`
	Sqs             *SqsConfig    `mapstructure:"sqs"`
	Kafka           *KafkaConfig  `mapstructure:"kafka"`
}

type SqsConfig struct {
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
}

type KafkaConfig struct {
	Addr         []string      `mapstructure:"addr"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAsks int           `mapstructure:"required_acks"`
}

type DedupConfig struct {
	Backend string        `mapstructure:"backend"`
	Servers []string      `mapstructure:"servers"`
	Window  time.Duration `mapstructure:"window"`
}

type ConsumerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type PipelineConfig struct {
	MinBodyChars int           `mapstructure:"min_body_chars"`
	DomainBoosts []DomainBoost `mapstructure:"domain_boosts"`
	Languages    []string      `mapstructure:"languages"`
}

// DomainBoost is a list entry rather than a map key because viper splits keys on dots.
type DomainBoost struct {
	Domain string `mapstructure:"domain"`
	Boost  int    `mapstructure:"boost"`
}

// BoostsByDomain indexes the configured boosts. A later entry for the same domain wins.
func (p *PipelineConfig) BoostsByDomain() map[string]int {
	boosts := make(map[string]int, len(p.DomainBoosts))
	for _, b := range p.DomainBoosts {
		boosts[b.Domain] = b.Boost
	}
	return boosts
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

func MustLoad() *Config {
	cfg, err := Load(viper.GetViper())
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from the working directory (when present) and the environment.
func Load(v *viper.Viper) (*Config, error) {
	v.AddConfigPath(path.Join("."))
	v.SetConfigName("config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found. using defaults and environment.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "crawl-ingestor")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")
	v.SetDefault("worker.workers_num", -1)
	v.SetDefault("crawler_id", "")
	v.SetDefault("s3.aws_base_endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket_name", "")
	v.SetDefault("s3.compress_threshold", 1024)
	v.SetDefault("s3.session_max_age", time.Hour)
	v.SetDefault("s3.max_concurrent_io", 16)
	v.SetDefault("queue.transport", "sqs")
	v.SetDefault("queue.indexing_queue", "")
	v.SetDefault("queue.events_queue", "")
	v.SetDefault("queue.dlq_queue", "")
	v.SetDefault("queue.dlq_policy", "all")
	v.SetDefault("queue.max_concurrent_io", 16)
	v.SetDefault("queue.session_max_age", time.Hour)
	v.SetDefault("queue.sqs.aws_base_endpoint", "")
	v.SetDefault("queue.sqs.region", "us-east-1")
	v.SetDefault("queue.kafka.addr", []string{})
	v.SetDefault("queue.kafka.max_attempts", 3)
	v.SetDefault("queue.kafka.read_timeout", 10*time.Second)
	v.SetDefault("queue.kafka.write_timeout", 10*time.Second)
	v.SetDefault("queue.kafka.required_acks", -1)
	v.SetDefault("dedup.backend", "local")
	v.SetDefault("dedup.servers", []string{})
	v.SetDefault("dedup.window", 5*time.Minute)
	v.SetDefault("consumer.enabled", false)
	v.SetDefault("consumer.read_topic_name", "")
	v.SetDefault("consumer.brokers", []string{})
	v.SetDefault("consumer.group_id", "crawl-ingestor")
	v.SetDefault("consumer.max_wait", time.Second)
	v.SetDefault("consumer.read_batch_timeout", 10*time.Second)
	v.SetDefault("consumer.queue_capacity", 100)
	v.SetDefault("consumer.max_bytes", 10<<20)
	v.SetDefault("consumer.commit_interval", 0)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("pipeline.min_body_chars", 100)
	v.SetDefault("pipeline.domain_boosts", []map[string]any{})
	v.SetDefault("pipeline.languages", []string{"en", "es", "fr", "de", "it", "pt", "nl"})
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.collector_url", "")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.S3Settings == nil || c.S3Settings.BucketName == "" {
		return errors.New("s3.bucket_name must be set")
	}
	if c.S3Settings.CompressThreshold < 0 {
		return errors.New("s3.compress_threshold must be >= 0")
	}
	if c.S3Settings.MaxConcurrentIO <= 0 {
		return errors.New("s3.max_concurrent_io must be > 0")
	}
	if c.QueueSettings == nil {
		return errors.New("queue settings are missing")
	}
	switch c.QueueSettings.Transport {
	case "sqs", "kafka":
	default:
		return fmt.Errorf("queue.transport %q is not supported", c.QueueSettings.Transport)
	}
	switch c.QueueSettings.DLQPolicy {
	case "all", "transient", "none":
	default:
		return fmt.Errorf("queue.dlq_policy %q is not supported", c.QueueSettings.DLQPolicy)
	}
	if c.QueueSettings.Transport == "kafka" &&
		(c.QueueSettings.Kafka == nil || len(c.QueueSettings.Kafka.Addr) == 0) {
		return errors.New("queue.kafka.addr must be set for the kafka transport")
	}
	if c.DedupSettings != nil && c.DedupSettings.Backend == "memcached" && len(c.DedupSettings.Servers) == 0 {
		return errors.New("dedup.servers must be set for the memcached backend")
	}
	if c.ConsumerSettings != nil && c.ConsumerSettings.Enabled &&
		(c.ConsumerSettings.ReadTopicName == "" || len(c.ConsumerSettings.Brokers) == 0) {
		return errors.New("consumer.read_topic_name and consumer.brokers must be set")
	}
	if c.PipelineSettings != nil {
		for i, b := range c.PipelineSettings.DomainBoosts {
			if strings.TrimSpace(b.Domain) == "" {
				return fmt.Errorf("pipeline.domain_boosts[%d].domain must be set", i)
			}
		}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "crawl-bucket")
	t.Setenv("QUEUE_INDEXING_QUEUE", "https://sqs.us-east-1.amazonaws.com/1/indexing.fifo")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "crawl-bucket", cfg.S3Settings.BucketName)
	assert.Equal(t, 1024, cfg.S3Settings.CompressThreshold)
	assert.Equal(t, time.Hour, cfg.S3Settings.SessionMaxAge)
	assert.Equal(t, "sqs", cfg.QueueSettings.Transport)
	assert.Equal(t, "all", cfg.QueueSettings.DLQPolicy)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/1/indexing.fifo", cfg.QueueSettings.IndexingQueue)
	assert.Equal(t, 100, cfg.PipelineSettings.MinBodyChars)
	assert.Contains(t, cfg.PipelineSettings.Languages, "en")
	assert.Equal(t, 5*time.Minute, cfg.DedupSettings.Window)
}

func TestLoadRequiresBucket(t *testing.T) {
	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.bucket_name")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			S3Settings:    &S3Config{BucketName: "b", CompressThreshold: 1024, MaxConcurrentIO: 4},
			QueueSettings: &QueueConfig{Transport: "sqs", DLQPolicy: "all"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.QueueSettings.Transport = "amqp" }, wantErr: "queue.transport"},
		{name: "unknown dlq policy", mutate: func(c *Config) { c.QueueSettings.DLQPolicy = "sometimes" }, wantErr: "queue.dlq_policy"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.QueueSettings.Transport = "kafka" }, wantErr: "queue.kafka.addr"},
		{name: "memcached without servers", mutate: func(c *Config) {
			c.DedupSettings = &DedupConfig{Backend: "memcached"}
		}, wantErr: "dedup.servers"},
		{name: "consumer without topic", mutate: func(c *Config) {
			c.ConsumerSettings = &ConsumerConfig{Enabled: true}
		}, wantErr: "consumer.read_topic_name"},
		{name: "zero io pool", mutate: func(c *Config) { c.S3Settings.MaxConcurrentIO = 0 }, wantErr: "max_concurrent_io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDomainBoostsWithDottedDomains(t *testing.T) {
	dir := t.TempDir()
	yaml := `s3:
  bucket_name: crawl-bucket
pipeline:
  domain_boosts:
    - domain: example.com
      boost: 5
    - domain: news.co.uk
      boost: -2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Chdir(dir)

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"example.com": 5, "news.co.uk": -2}, cfg.PipelineSettings.BoostsByDomain())
}

func TestValidateRejectsBoostWithoutDomain(t *testing.T) {
	cfg := &Config{
		S3Settings:       &S3Config{BucketName: "b", CompressThreshold: 1024, MaxConcurrentIO: 4},
		QueueSettings:    &QueueConfig{Transport: "sqs", DLQPolicy: "all"},
		PipelineSettings: &PipelineConfig{DomainBoosts: []DomainBoost{{Domain: " ", Boost: 1}}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.domain_boosts[0].domain")
}

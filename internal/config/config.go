// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Image    ImageConfig    `mapstructure:"image"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Purge    PurgeConfig    `mapstructure:"purge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs the worker pool and upload admission.
type PipelineConfig struct {
	Concurrency    int   `mapstructure:"concurrency"`
	QueueDepth     int   `mapstructure:"queue_depth"`
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	RetryAttempts  int   `mapstructure:"retry_attempts"`
	RetryBackoffMs int   `mapstructure:"retry_backoff_ms"`
}

// ImageConfig controls the image derivative ladder.
type ImageConfig struct {
	VariantWidths []int `mapstructure:"variant_widths"`
	WebPQuality   int   `mapstructure:"webp_quality"`
}

// AudioConfig controls audio transcoding and waveform extraction.
type AudioConfig struct {
	FFmpegPath      string `mapstructure:"ffmpeg_path"`
	FFprobePath     string `mapstructure:"ffprobe_path"`
	BitrateKbps     int    `mapstructure:"bitrate_kbps"`
	WaveformBuckets int    `mapstructure:"waveform_buckets"`
}

// StorageConfig selects and configures the blob storage provider.
type StorageConfig struct {
	Provider string      `mapstructure:"provider"`
	Prefix   string      `mapstructure:"prefix"`
	Bunny    BunnyConfig `mapstructure:"bunny"`
	GCS      GCSConfig   `mapstructure:"gcs"`
	Local    LocalConfig `mapstructure:"local"`
}

// BunnyConfig holds Bunny CDN storage-zone credentials.
type BunnyConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Zone        string `mapstructure:"zone"`
	AccessKey   string `mapstructure:"access_key"`
	PullZoneURL string `mapstructure:"pull_zone_url"`
}

// GCSConfig holds the Google Cloud Storage bucket settings.
type GCSConfig struct {
	Bucket    string `mapstructure:"bucket"`
	PublicURL string `mapstructure:"public_url"`
}

// LocalConfig holds the filesystem blob store settings.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PurgeConfig sets the retention window for soft-deleted media.
type PurgeConfig struct {
	RetentionHours int `mapstructure:"retention_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.max_upload_bytes", int64(50*1024*1024))
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_backoff_ms", 500)
	v.SetDefault("image.variant_widths", []int{320, 640, 1280, 1920})
	v.SetDefault("image.webp_quality", 80)
	v.SetDefault("audio.ffmpeg_path", "ffmpeg")
	v.SetDefault("audio.ffprobe_path", "ffprobe")
	v.SetDefault("audio.bitrate_kbps", 192)
	v.SetDefault("audio.waveform_buckets", 256)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "media")
	v.SetDefault("storage.bunny.endpoint", "storage.bunnycdn.com")
	v.SetDefault("purge.retention_hours", 720)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.MaxUploadBytes <= 0 {
		return fmt.Errorf("pipeline.max_upload_bytes must be > 0")
	}
	if c.Image.WebPQuality <= 0 || c.Image.WebPQuality > 100 {
		return fmt.Errorf("image.webp_quality must be in (0, 100]")
	}
	if len(c.Image.VariantWidths) == 0 {
		return fmt.Errorf("image.variant_widths must not be empty")
	}
	if c.Audio.WaveformBuckets <= 0 {
		return fmt.Errorf("audio.waveform_buckets must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "bunny":
		if c.Storage.Bunny.Zone == "" || c.Storage.Bunny.AccessKey == "" {
			return fmt.Errorf("storage.bunny.zone and storage.bunny.access_key are required")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return nil
}

// RetryBackoff converts the retry backoff config into a duration.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Pipeline.RetryBackoffMs) * time.Millisecond
}

// PurgeRetention converts the retention config into a duration.
func (c Config) PurgeRetention() time.Duration {
	return time.Duration(c.Purge.RetentionHours) * time.Hour
}

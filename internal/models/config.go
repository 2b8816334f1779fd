package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
	IntakeTopic string `yaml:"intake_topic"`
	StoragePath string `yaml:"storage_path"`
	WatchDir    string `yaml:"watch_dir"`
	LogLevel    string `yaml:"log_level"`

	Lossless         bool          `yaml:"lossless"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	TransformTimeout time.Duration `yaml:"transform_timeout"`

	NotificationTTL  time.Duration `yaml:"notification_ttl"`
	NotificationTick time.Duration `yaml:"notification_tick"`

	PreviewSize  int  `yaml:"preview_size"`
	PreviewBadge bool `yaml:"preview_badge"`

	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:       ":8080",
		KafkaTopic:       "imgbuild-events",
		StoragePath:      "./output",
		LogLevel:         "info",
		TransformTimeout: 2 * time.Minute,
		NotificationTTL:  10 * time.Second,
		NotificationTick: 50 * time.Millisecond,
		PreviewSize:      320,
		PreviewBadge:     true,
		S3:               S3Config{Region: "us-east-1"},
	}
}

// LoadConfig reads the yaml file at path on top of the defaults, then applies
// IMGBUILD_* environment overrides (a .env file in the working directory is
// loaded first when present). A missing file of either kind is not an error;
// a malformed one is.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%s: %w", op, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: .env: %w", op, err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("IMGBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("server_addr", &cfg.ServerAddr)
	str("database_url", &cfg.DatabaseURL)
	str("kafka_broker", &cfg.KafkaBroker)
	str("kafka_topic", &cfg.KafkaTopic)
	str("intake_topic", &cfg.IntakeTopic)
	str("storage_path", &cfg.StoragePath)
	str("watch_dir", &cfg.WatchDir)
	str("log_level", &cfg.LogLevel)
	str("s3.region", &cfg.S3.Region)
	str("s3.endpoint", &cfg.S3.Endpoint)
	str("s3.access_key_id", &cfg.S3.AccessKeyID)
	str("s3.secret_access_key", &cfg.S3.SecretAccessKey)

	if v.IsSet("lossless") {
		cfg.Lossless = v.GetBool("lossless")
	}
	if v.IsSet("max_concurrency") {
		cfg.MaxConcurrency = v.GetInt("max_concurrency")
	}
	if v.IsSet("transform_timeout") {
		cfg.TransformTimeout = v.GetDuration("transform_timeout")
	}
	if v.IsSet("notification_ttl") {
		cfg.NotificationTTL = v.GetDuration("notification_ttl")
	}
	if v.IsSet("notification_tick") {
		cfg.NotificationTick = v.GetDuration("notification_tick")
	}
	if v.IsSet("preview_size") {
		cfg.PreviewSize = v.GetInt("preview_size")
	}
	if v.IsSet("preview_badge") {
		cfg.PreviewBadge = v.GetBool("preview_badge")
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency))
	}
	if c.TransformTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transform_timeout must be positive, got %s", c.TransformTimeout))
	}
	if c.NotificationTTL <= 0 || c.NotificationTick <= 0 {
		errs = append(errs, errors.New("notification_ttl and notification_tick must be positive"))
	}
	if c.NotificationTick > c.NotificationTTL {
		errs = append(errs, errors.New("notification_tick must not exceed notification_ttl"))
	}
	if c.PreviewSize < 0 {
		errs = append(errs, fmt.Errorf("preview_size must be >= 0, got %d", c.PreviewSize))
	}
	if c.KafkaBroker != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka_topic is required when kafka_broker is set"))
	}
	return errors.Join(errs...)
}

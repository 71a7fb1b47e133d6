package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow  BookflowConfig  `yaml:"bookflow"`
	Storage   StorageConfig   `yaml:"storage"`
	Capture   CaptureConfig   `yaml:"capture"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Feed      FeedConfig      `yaml:"feed"`
	API       APIConfig       `yaml:"api"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig controls the HTTP read API serving the analytics
// operations.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StorageConfig controls the embedded snapshot store. MaxSize accepts
// human readable values such as "10GB"; zero disables the cap.
type StorageConfig struct {
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`
	MaxSize         string        `yaml:"max_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MaxSizeBytes parses MaxSize into a byte count. Empty means unlimited.
func (s *StorageConfig) MaxSizeBytes() (int64, error) {
	return parseSize(s.MaxSize)
}

type CaptureConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Instruments        []string      `yaml:"instruments"`
	TradeFlushInterval time.Duration `yaml:"trade_flush_interval"`
	TradeBuffer        int           `yaml:"trade_buffer"`
}

// AnalyticsConfig carries the thresholds used by the analytics service.
// Zero values fall back to the documented defaults at load time.
type AnalyticsConfig struct {
	MinTrades       int           `yaml:"min_trades"`
	MinConfidence   float64       `yaml:"min_confidence"`
	FlowWindowMin   time.Duration `yaml:"flow_window_min"`
	FlowWindowMax   time.Duration `yaml:"flow_window_max"`
	ProfileHoursMin int           `yaml:"profile_hours_min"`
	ProfileHoursMax int           `yaml:"profile_hours_max"`
	TickSize        string        `yaml:"tick_size"`
}

type FeedConfig struct {
	Binance BinanceFeedConfig `yaml:"binance"`
}

type BinanceFeedConfig struct {
	Enabled    bool            `yaml:"enabled"`
	UseTestnet bool            `yaml:"use_testnet"`
	DepthLimit int             `yaml:"depth_limit"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Trades     TradeFeedConfig `yaml:"trades"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type TradeFeedConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait"`
}

type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	S3       S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Capture: CaptureConfig{
			Interval:           time.Second,
			TradeFlushInterval: time.Second,
			TradeBuffer:        10000,
		},
		Storage: StorageConfig{
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
			MaxSize:         "1GB",
		},
		Analytics: AnalyticsConfig{
			MinTrades:       1000,
			MinConfidence:   0.95,
			FlowWindowMin:   10 * time.Second,
			FlowWindowMax:   300 * time.Second,
			ProfileHoursMin: 1,
			ProfileHoursMax: 168,
			TickSize:        "0.01",
		},
		API: APIConfig{
			Address: ":8080",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}

	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Storage.Retention <= 0 {
		return fmt.Errorf("storage.retention must be greater than 0")
	}
	if cfg.Storage.CleanupInterval <= 0 {
		return fmt.Errorf("storage.cleanup_interval must be greater than 0")
	}
	if _, err := cfg.Storage.MaxSizeBytes(); err != nil {
		return fmt.Errorf("storage.max_size: %w", err)
	}

	if cfg.Capture.Interval <= 0 {
		return fmt.Errorf("capture.interval must be greater than 0")
	}
	if len(cfg.Capture.Instruments) == 0 {
		return fmt.Errorf("capture.instruments must list at least one instrument")
	}
	if cfg.Capture.TradeFlushInterval <= 0 {
		return fmt.Errorf("capture.trade_flush_interval must be greater than 0")
	}

	if cfg.Analytics.MinTrades <= 0 {
		return fmt.Errorf("analytics.min_trades must be greater than 0")
	}
	if cfg.Analytics.MinConfidence < 0 || cfg.Analytics.MinConfidence > 1 {
		return fmt.Errorf("analytics.min_confidence must be within [0, 1]")
	}
	if cfg.Analytics.FlowWindowMin <= 0 || cfg.Analytics.FlowWindowMax < cfg.Analytics.FlowWindowMin {
		return fmt.Errorf("analytics flow window bounds are invalid")
	}
	if cfg.Analytics.ProfileHoursMin <= 0 || cfg.Analytics.ProfileHoursMax < cfg.Analytics.ProfileHoursMin {
		return fmt.Errorf("analytics profile hour bounds are invalid")
	}

	// Production-like environments reject settings that are only
	// acceptable while developing.
	if env := AppEnvironment(); IsProductionLike(env) {
		if cfg.Feed.Binance.UseTestnet {
			return fmt.Errorf("feed.binance.use_testnet is not allowed in %s", env)
		}
		if max, _ := cfg.Storage.MaxSizeBytes(); max <= 0 {
			return fmt.Errorf("storage.max_size is required in %s", env)
		}
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when S3 is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when S3 is enabled")
		}
		if cfg.Archive.S3.AccessKeyID == "" || cfg.Archive.S3.SecretAccessKey == "" {
			return fmt.Errorf("archive.s3.access_key_id and archive.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
	}

	return nil
}

var sizeRegexp = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(B|KB|MB|GB|TB)?$`)

var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	m := sizeRegexp.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size '%s'", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size '%s': %w", s, err)
	}
	return int64(val * float64(sizeUnits[m[2]])), nil
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

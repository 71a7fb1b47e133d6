package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `bookflow:
  name: "TestApp"
  version: "1.0"
storage:
  path: "/tmp/bookflow-test"
  retention: 24h
  max_size: "10GB"
  cleanup_interval: 1h
capture:
  interval: 1s
  instruments: ["BTCUSDT", "ETHUSDT"]
  trade_flush_interval: 1s
archive:
  s3:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bookflow.Name)
	}
	if len(cfg.Capture.Instruments) != 2 {
		t.Errorf("unexpected instruments: %v", cfg.Capture.Instruments)
	}
	if cfg.Capture.Interval != time.Second {
		t.Errorf("unexpected capture interval: %v", cfg.Capture.Interval)
	}
}

func TestLoadConfigAnalyticsDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Analytics.MinTrades != 1000 {
		t.Errorf("unexpected min_trades default: %d", cfg.Analytics.MinTrades)
	}
	if cfg.Analytics.MinConfidence != 0.95 {
		t.Errorf("unexpected min_confidence default: %f", cfg.Analytics.MinConfidence)
	}
	if cfg.Analytics.FlowWindowMin != 10*time.Second || cfg.Analytics.FlowWindowMax != 300*time.Second {
		t.Errorf("unexpected flow window bounds: %v..%v", cfg.Analytics.FlowWindowMin, cfg.Analytics.FlowWindowMax)
	}
	if cfg.Analytics.ProfileHoursMin != 1 || cfg.Analytics.ProfileHoursMax != 168 {
		t.Errorf("unexpected profile hour bounds: %d..%d", cfg.Analytics.ProfileHoursMin, cfg.Analytics.ProfileHoursMax)
	}
}

func TestLoadConfigOverridesAnalytics(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`analytics:
  min_trades: 500
  min_confidence: 0.9
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Analytics.MinTrades != 500 {
		t.Errorf("min_trades not overridden: %d", cfg.Analytics.MinTrades)
	}
	if cfg.Analytics.MinConfidence != 0.9 {
		t.Errorf("min_confidence not overridden: %f", cfg.Analytics.MinConfidence)
	}
}

func TestLoadConfigMissingInstruments(t *testing.T) {
	path := writeTempConfig(t, `bookflow:
  name: "TestApp"
  version: "1.0"
storage:
  path: "/tmp/bookflow-test"
  retention: 24h
  cleanup_interval: 1h
capture:
  interval: 1s
  instruments: []
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for empty instrument list")
	}
}

func TestProductionLikeValidation(t *testing.T) {
	t.Setenv("APP_ENV", EnvironmentProduction)

	// The baseline config is production-clean.
	if _, err := LoadConfig(writeTempConfig(t, minimalConfig)); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	testnet := minimalConfig + `feed:
  binance:
    enabled: true
    use_testnet: true
`
	if _, err := LoadConfig(writeTempConfig(t, testnet)); err == nil {
		t.Error("testnet feed must be rejected in production")
	}

	uncapped := `bookflow:
  name: "TestApp"
  version: "1.0"
storage:
  path: "/tmp/bookflow-test"
  retention: 24h
  max_size: ""
  cleanup_interval: 1h
capture:
  interval: 1s
  instruments: ["BTCUSDT"]
  trade_flush_interval: 1s
`
	if _, err := LoadConfig(writeTempConfig(t, uncapped)); err == nil {
		t.Error("unlimited store size must be rejected in production")
	}

	t.Setenv("APP_ENV", EnvironmentStaging)
	if _, err := LoadConfig(writeTempConfig(t, testnet)); err == nil {
		t.Error("staging is production-like and must also reject testnet")
	}

	t.Setenv("APP_ENV", EnvironmentDevelopment)
	if _, err := LoadConfig(writeTempConfig(t, testnet)); err != nil {
		t.Errorf("testnet feed must stay allowed in development: %v", err)
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1024", 1024, true},
		{"10GB", 10 << 30, true},
		{"1.5MB", 1536 << 10, true},
		{"512 kb", 512 << 10, true},
		{"lots", 0, false},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if c.ok && err != nil {
			t.Errorf("parseSize(%q) unexpected error: %v", c.in, err)
			continue
		}
		if !c.ok {
			if err == nil {
				t.Errorf("parseSize(%q) expected error", c.in)
			}
			continue
		}
		if got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(DefaultConfigPath); got != "config/config.production.yml" {
		t.Errorf("unexpected production path: %s", got)
	}
	// Explicit non-default paths are never rewritten.
	if got := ResolveConfigPath("/etc/bookflow.yml"); got != "/etc/bookflow.yml" {
		t.Errorf("explicit path rewritten: %s", got)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("unexpected default path: %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

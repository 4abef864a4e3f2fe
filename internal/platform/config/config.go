package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yaml"
	envPath     = "ELIBRARY_CONFIG"

	ModeDev     = "dev"
	ModeRelease = "release"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type BorrowConfig struct {
	FinePerDay          float64       `yaml:"fine_per_day"`
	DefaultDurationDays int           `yaml:"default_duration_days"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepBatchSize      int           `yaml:"sweep_batch_size"`
}

type NotifyConfig struct {
	// "db" (in-app notifications table) or "log"
	Driver        string        `yaml:"driver"`
	QueueSize     int           `yaml:"queue_size"`
	Workers       int           `yaml:"workers"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Config struct {
	Version     string          `yaml:"version"`
	Mode        string          `yaml:"mode"`
	SeedCatalog bool            `yaml:"seed_catalog"`
	Server      ServerConfig    `yaml:"server"`
	DB          DatabaseConfig  `yaml:"database"`
	Certificate Certs           `yaml:"certificate"`
	Auth        AuthConfig      `yaml:"auth"`
	Borrow      BorrowConfig    `yaml:"borrow"`
	Notify      NotifyConfig    `yaml:"notify"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Path は ELIBRARY_CONFIG が設定されていればそれを、なければ DefaultPath を返す
func Path() string {
	if p := os.Getenv(envPath); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込み失敗: %w", err)
	}
	return Parse(buf)
}

// Parse は既定値を先に埋めてから YAML を重ねる。
// YAML に書かれたキーは 0 や空でもそのまま残る（sweep_interval: 0 で停止など）
func Parse(buf []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパース失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Mode:   ModeDev,
		Server: ServerConfig{Addr: ":8443"},
		DB:     DatabaseConfig{Port: 3306},
		Borrow: BorrowConfig{
			FinePerDay:          1,
			DefaultDurationDays: 14,
			SweepInterval:       time.Hour,
			SweepBatchSize:      200,
		},
		Notify: NotifyConfig{
			Driver:        "db",
			QueueSize:     256,
			Workers:       2,
			RatePerSecond: 20,
			Burst:         10,
			Timeout:       5 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "elibrary-backend"},
	}
}

func (c *Config) validate() error {
	if c.Mode != ModeDev && c.Mode != ModeRelease {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDev, ModeRelease, c.Mode)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Borrow.FinePerDay < 0 {
		return fmt.Errorf("borrow.fine_per_day must be >= 0")
	}
	if c.Borrow.DefaultDurationDays < 1 || c.Borrow.DefaultDurationDays > 30 {
		return fmt.Errorf("borrow.default_duration_days must be between 1 and 30")
	}
	if c.Borrow.SweepInterval < 0 {
		return fmt.Errorf("borrow.sweep_interval must be >= 0 (0 disables the sweeper)")
	}
	if c.Borrow.SweepBatchSize < 1 {
		return fmt.Errorf("borrow.sweep_batch_size must be >= 1")
	}
	if c.Notify.Driver != "db" && c.Notify.Driver != "log" {
		return fmt.Errorf("notify.driver must be \"db\" or \"log\"")
	}
	if c.Notify.QueueSize < 1 || c.Notify.Workers < 1 {
		return fmt.Errorf("notify.queue_size and notify.workers must be >= 1")
	}
	// rate_per_second: 0 は無制限
	if c.Notify.RatePerSecond < 0 {
		return fmt.Errorf("notify.rate_per_second must be >= 0 (0 means unlimited)")
	}
	if c.Notify.RatePerSecond > 0 && c.Notify.Burst < 1 {
		return fmt.Errorf("notify.burst must be >= 1 when rate_per_second is set")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be > 0")
	}
	return nil
}

// TLSEnabled reports whether both certificate files are configured.
func (c *Config) TLSEnabled() bool {
	return c.Certificate.Cert != "" && c.Certificate.Key != ""
}

// CertPaths は mode ごとのディレクトリ配下の証明書パスを返す
func (c *Config) CertPaths() (certFile, keyFile string) {
	dir := "config/tls/" + c.Mode
	return fmt.Sprintf("%s/%s", dir, c.Certificate.Cert), fmt.Sprintf("%s/%s", dir, c.Certificate.Key)
}

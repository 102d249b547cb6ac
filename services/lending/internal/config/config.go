package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigPath is used when neither an explicit path nor LENDING_CONFIG is set.
var ConfigPath = "config.yaml"

const (
	NotifierLog    = "log"
	NotifierAMQP   = "amqp"
	NotifierStream = "stream"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	DatabaseURL              string   `yaml:"databaseURL"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	JWTPublicKeyPath         string   `yaml:"jwtPublicKeyPath"`
	JWTIssuer                string   `yaml:"jwtIssuer"`
	JWTAudience              string   `yaml:"jwtAudience"`
	JWTLeeway                string   `yaml:"jwtLeeway"`
	DefaultLoanDays          int      `yaml:"defaultLoanDays"`
	DailyFee                 string   `yaml:"dailyFee"`
	SweepInterval            string   `yaml:"sweepInterval"`
	SweepMisfireGrace        string   `yaml:"sweepMisfireGrace"`
	SweepLeaseTTL            string   `yaml:"sweepLeaseTTL"`
	Notifier                 string   `yaml:"notifier"`
	AMQPURL                  string   `yaml:"amqpURL"`
	AMQPQueue                string   `yaml:"amqpQueue"`
	NotifyStream             string   `yaml:"notifyStream"`
	BorrowRateLimitPerMinute int      `yaml:"borrowRateLimitPerMinute"`
	CORSOrigins              []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path. An empty path falls back to LENDING_CONFIG,
// then ConfigPath.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LENDING_CONFIG"))
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("LENDING_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LENDING_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.JWTPublicKeyPath = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("LENDING_DEFAULT_LOAN_DAYS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.DefaultLoanDays = n
		}
	}
	if v := os.Getenv("LENDING_DAILY_FEE"); v != "" {
		cfg.DailyFee = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_SWEEP_MISFIRE_GRACE"); v != "" {
		cfg.SweepMisfireGrace = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_SWEEP_LEASE_TTL"); v != "" {
		cfg.SweepLeaseTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_NOTIFIER"); v != "" {
		cfg.Notifier = strings.TrimSpace(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LENDING_AMQP_QUEUE"); v != "" {
		cfg.AMQPQueue = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_NOTIFY_STREAM"); v != "" {
		cfg.NotifyStream = strings.TrimSpace(v)
	}
	if v := os.Getenv("LENDING_BORROW_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BorrowRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LENDING_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("LENDING_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultLoanDays == 0 {
		cfg.DefaultLoanDays = 14
	}
	if cfg.DailyFee == "" {
		cfg.DailyFee = "5.00"
	}
	if cfg.SweepInterval == "" {
		cfg.SweepInterval = "10m"
	}
	if cfg.SweepMisfireGrace == "" {
		cfg.SweepMisfireGrace = "2m"
	}
	if cfg.SweepLeaseTTL == "" {
		cfg.SweepLeaseTTL = "5m"
	}
	if cfg.Notifier == "" {
		cfg.Notifier = NotifierLog
	}
	if cfg.AMQPQueue == "" {
		cfg.AMQPQueue = "smartlibrary.notifications"
	}
	if cfg.NotifyStream == "" {
		cfg.NotifyStream = "smartlibrary:notifications"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or LENDING_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTPublicKeyPath) == "" {
		return errors.New("config: jwtPublicKeyPath is required (set in config.yaml or LENDING_JWT_PUBLIC_KEY_PATH)")
	}
	if cfg.DefaultLoanDays < 1 {
		return errors.New("config: defaultLoanDays must be positive")
	}
	fee, err := decimal.NewFromString(cfg.DailyFee)
	if err != nil {
		return fmt.Errorf("config: invalid dailyFee: %w", err)
	}
	if fee.IsNegative() {
		return errors.New("config: dailyFee must be >= 0")
	}
	for name, raw := range map[string]string{
		"sweepInterval":     cfg.SweepInterval,
		"sweepMisfireGrace": cfg.SweepMisfireGrace,
		"sweepLeaseTTL":     cfg.SweepLeaseTTL,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid %s duration: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be > 0", name)
		}
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch cfg.Notifier {
	case NotifierLog:
	case NotifierAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when notifier=amqp")
		}
	case NotifierStream:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when notifier=stream")
		}
	default:
		return fmt.Errorf("config: unknown notifier %q (want log, amqp or stream)", cfg.Notifier)
	}
	if cfg.BorrowRateLimitPerMinute < 0 {
		return errors.New("config: borrowRateLimitPerMinute must be >= 0")
	}
	if cfg.BorrowRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	return nil
}

// DailyFeeAmount returns the validated fee.
func (c FileConfig) DailyFeeAmount() decimal.Decimal {
	fee, _ := decimal.NewFromString(c.DailyFee)
	return fee
}

// SweepDurations returns interval, misfire grace and lease TTL.
func (c FileConfig) SweepDurations() (interval, grace, leaseTTL time.Duration) {
	interval, _ = time.ParseDuration(c.SweepInterval)
	grace, _ = time.ParseDuration(c.SweepMisfireGrace)
	leaseTTL, _ = time.ParseDuration(c.SweepLeaseTTL)
	return interval, grace, leaseTTL
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

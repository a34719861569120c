package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig  `yaml:"server"`
	SMTP        SMTPConfig    `yaml:"smtp"`
	SES         SESConfig     `yaml:"ses"`
	Sending     SendingConfig `yaml:"sending"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	UploadDir   string        `yaml:"upload_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with environment override.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// SMTPConfig holds SMTP relay settings. The defaults match Gmail app-password
// sending: smtp.gmail.com, port 587, STARTTLS on, SSL off.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	From           string `yaml:"from"`     // e.g. "Your Name <you@gmail.com>"
	ReplyTo        string `yaml:"reply_to"`
	UseSSL         bool   `yaml:"use_ssl"`  // implicit TLS, port 465
	UseTLS         bool   `yaml:"use_tls"`  // STARTTLS, port 587
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds the optional AWS SES delivery path.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SendingConfig holds campaign delivery controls.
type SendingConfig struct {
	RatePerMinute  int  `yaml:"rate_per_minute"`
	BatchSize      int  `yaml:"batch_size"` // reconnect the SMTP session every N sends
	MaxRetries     int  `yaml:"max_retries"`
	DryRun         bool `yaml:"dry_run"` // on unless the config file disables it
	Workers        int  `yaml:"workers"`
	PollIntervalMS int  `yaml:"poll_interval_ms"`
}

// PollInterval returns the queue poll interval as a duration
func (c SendingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Dry run is on unless the file says otherwise; real sending is opt-in.
	// A pointer probe distinguishes "unset" from an explicit false.
	var raw struct {
		Sending struct {
			DryRun *bool `yaml:"dry_run"`
		} `yaml:"sending"`
	}
	if err := yaml.Unmarshal(data, &raw); err == nil && raw.Sending.DryRun == nil {
		cfg.Sending.DryRun = true
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = "smtp.gmail.com"
	}
	if cfg.SMTP.Port == 0 {
		if cfg.SMTP.UseSSL {
			cfg.SMTP.Port = 465
		} else {
			cfg.SMTP.Port = 587
			cfg.SMTP.UseTLS = true
		}
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Sending.RatePerMinute == 0 {
		cfg.Sending.RatePerMinute = 10
	}
	if cfg.Sending.BatchSize == 0 {
		cfg.Sending.BatchSize = 100
	}
	if cfg.Sending.MaxRetries == 0 {
		cfg.Sending.MaxRetries = 3
	}
	if cfg.Sending.Workers == 0 {
		cfg.Sending.Workers = 4
	}
	if cfg.Sending.PollIntervalMS == 0 {
		cfg.Sending.PollIntervalMS = 500
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "/tmp/bulkmailer-uploads"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTP.Password = pass
	}
	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTP.From = from
	}
	if v := os.Getenv("SMTP_USE_SSL"); v != "" {
		cfg.SMTP.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("SMTP_USE_TLS"); v != "" {
		cfg.SMTP.UseTLS = v == "true" || v == "1"
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	return cfg, nil
}

// Package config loads and validates the runner configuration from a YAML
// file via Viper.
package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// IMAPConfig holds mailbox connection parameters.
type IMAPConfig struct {
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	TLS           bool     `mapstructure:"tls"`
	MinTLSVersion string   `mapstructure:"min_tls_version"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	Mailboxes     []string `mapstructure:"mailboxes"`
}

// MinTLS maps the configured version string to a crypto/tls constant.
func (c IMAPConfig) MinTLS() uint16 {
	switch c.MinTLSVersion {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// SearchConfig holds the message filter settings.
type SearchConfig struct {
	Sender     string        `mapstructure:"sender"`
	Subject    string        `mapstructure:"subject"`
	Lookback   time.Duration `mapstructure:"lookback"`
	Skew       time.Duration `mapstructure:"skew"`
	UnseenOnly bool          `mapstructure:"unseen_only"`
}

// CodeConfig describes the shape of the verification code.
type CodeConfig struct {
	Pattern string `mapstructure:"pattern"`
	Length  int    `mapstructure:"length"`
}

// PollConfig bounds the wait for the verification email.
type PollConfig struct {
	MaxWait  time.Duration `mapstructure:"max_wait"`
	Interval time.Duration `mapstructure:"interval"`
}

// ChallengeConfig bounds the full submission cycle.
type ChallengeConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	VerifyWait  time.Duration `mapstructure:"verify_wait"`
}

// PortalConfig holds portal access settings.
type PortalConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Headless    bool   `mapstructure:"headless"`
	DownloadDir string `mapstructure:"download_dir"`
}

// ReportConfig describes the report to build.
type ReportConfig struct {
	MerchantIDs []string `mapstructure:"merchant_ids"`
	DateFrom    string   `mapstructure:"date_from"`
	DateTo      string   `mapstructure:"date_to"`
	LastDays    int      `mapstructure:"last_days"`
}

const dateFormat = "2006-01-02"

// DateRange resolves the configured range. An explicit from/to pair wins;
// otherwise the range covers the last LastDays days ending at now.
func (r ReportConfig) DateRange(now time.Time) (from, to time.Time, err error) {
	if r.DateFrom != "" || r.DateTo != "" {
		from, err = time.Parse(dateFormat, r.DateFrom)
		if err != nil {
			return from, to, fmt.Errorf("report.date_from: %w", err)
		}
		to, err = time.Parse(dateFormat, r.DateTo)
		if err != nil {
			return from, to, fmt.Errorf("report.date_to: %w", err)
		}
		if to.Before(from) {
			return from, to, fmt.Errorf("report.date_to is before report.date_from")
		}
		return from, to, nil
	}
	to = now
	from = now.AddDate(0, 0, -r.LastDays)
	return from, to, nil
}

// DeliveryConfig selects and configures the outbound mail provider.
type DeliveryConfig struct {
	Provider     string `mapstructure:"provider"` // "smtp" or "resend"
	From         string `mapstructure:"from"`
	To           string `mapstructure:"to"`
	Subject      string `mapstructure:"subject"`
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	SMTPTLS      bool   `mapstructure:"smtp_tls"`
	ResendAPIKey string `mapstructure:"resend_api_key"`
}

// TriggerConfig holds the HTTP trigger server settings.
type TriggerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is the top-level runner configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	Search    SearchConfig    `mapstructure:"search"`
	Code      CodeConfig      `mapstructure:"code"`
	Poll      PollConfig      `mapstructure:"poll"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Report    ReportConfig    `mapstructure:"report"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
}

// Load reads the YAML configuration at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("log_level", "info")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailboxes", []string{"INBOX"})
	v.SetDefault("search.subject", "Your verification code")
	v.SetDefault("search.lookback", "15m")
	v.SetDefault("search.skew", "2m")
	v.SetDefault("search.unseen_only", true)
	v.SetDefault("code.length", 6)
	v.SetDefault("poll.max_wait", "5m")
	v.SetDefault("poll.interval", "10s")
	v.SetDefault("challenge.max_attempts", 3)
	v.SetDefault("challenge.verify_wait", "20s")
	v.SetDefault("portal.headless", true)
	v.SetDefault("portal.download_dir", "downloads")
	v.SetDefault("report.last_days", 7)
	v.SetDefault("delivery.provider", "smtp")
	v.SetDefault("delivery.subject", "Merchant settlement report")
	v.SetDefault("delivery.smtp_port", 587)
	v.SetDefault("trigger.listen", ":8080")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Username == "" || c.IMAP.Password == "" {
		return fmt.Errorf("imap credentials are required")
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Portal.Username == "" || c.Portal.Password == "" {
		return fmt.Errorf("portal credentials are required")
	}
	if c.Code.Length < 4 || c.Code.Length > 8 {
		return fmt.Errorf("code.length must be between 4 and 8")
	}
	if c.Poll.MaxWait <= 0 || c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.max_wait and poll.interval must be positive")
	}
	if c.Challenge.MaxAttempts < 1 {
		return fmt.Errorf("challenge.max_attempts must be at least 1")
	}
	if c.Delivery.From == "" || c.Delivery.To == "" {
		return fmt.Errorf("delivery.from and delivery.to are required")
	}
	switch c.Delivery.Provider {
	case "smtp":
		if c.Delivery.SMTPHost == "" {
			return fmt.Errorf("delivery.smtp_host is required for the smtp provider")
		}
	case "resend":
		if c.Delivery.ResendAPIKey == "" {
			return fmt.Errorf("delivery.resend_api_key is required for the resend provider")
		}
	default:
		return fmt.Errorf("delivery.provider must be smtp or resend")
	}
	if _, _, err := c.Report.DateRange(time.Now()); err != nil {
		return err
	}
	return nil
}

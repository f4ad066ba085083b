// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Mail providers.
const (
	ProviderMock     = "mock"
	ProviderGmail    = "gmail"
	ProviderBrevo    = "brevo"
	ProviderPostmark = "postmark"
)

const defaultLocalStorage = "./data"

// ErrInvalid is returned for configuration that cannot run.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every setting the service reads.
type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	BaseURL       string `env:"BASE_URL"`
	StorageBucket string `env:"STORAGE_BUCKET"`
	LocalStorage  string `env:"LOCAL_STORAGE"`

	MailProvider         string `env:"MAIL_PROVIDER" envDefault:"mock"`
	GoogleCredentials    string `env:"GOOGLE_CREDENTIALS_JSON"`
	BrevoAPIKey          string `env:"BREVO_API_KEY"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	MailRatePerSecond    int    `env:"MAIL_RATE_PER_SECOND" envDefault:"10"`
	DueCheckInterval     string `env:"DUE_CHECK_INTERVAL" envDefault:"@every 1m"`

	SiteName        string `env:"SITE_NAME" envDefault:"Chat"`
	FromEmail       string `env:"FROM_EMAIL"`
	EmailHeader     string `env:"EMAIL_HEADER"`
	EmailFooter     string `env:"EMAIL_FOOTER"`
	DefaultLanguage string `env:"DEFAULT_LANGUAGE" envDefault:"en"`

	AllowEditing           bool `env:"MESSAGE_ALLOW_EDITING" envDefault:"true"`
	BlockEditMinutes       int  `env:"MESSAGE_BLOCK_EDIT_MINUTES" envDefault:"0"`
	NotifyAfterEditExpires bool `env:"EMAIL_NOTIFICATION_AFTER_EDITING_EXPIRES" envDefault:"false"`
}

// Local reports whether documents are kept on the local filesystem.
func (c *Config) Local() bool {
	return c.LocalStorage != ""
}

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills local development defaults and rejects unusable settings.
func (c *Config) normalize() error {
	c.MailProvider = strings.ToLower(strings.TrimSpace(c.MailProvider))
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.StorageBucket == "" && c.LocalStorage == "" {
		c.LocalStorage = defaultLocalStorage
	}
	if c.Local() && c.BaseURL == "" {
		c.BaseURL = "http://localhost:" + c.Port
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: BASE_URL is required with STORAGE_BUCKET", ErrInvalid)
	}

	switch c.MailProvider {
	case ProviderMock:
	case ProviderGmail:
		// Gmail may fall back to application default credentials on Cloud Run.
	case ProviderBrevo:
		if c.BrevoAPIKey == "" {
			return fmt.Errorf("%w: BREVO_API_KEY is required for brevo", ErrInvalid)
		}
	case ProviderPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			return fmt.Errorf("%w: POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN are required for postmark", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown MAIL_PROVIDER %q", ErrInvalid, c.MailProvider)
	}
	if c.MailProvider != ProviderMock && c.FromEmail == "" {
		return fmt.Errorf("%w: FROM_EMAIL is required for %s", ErrInvalid, c.MailProvider)
	}

	if c.BlockEditMinutes < 0 {
		return fmt.Errorf("%w: MESSAGE_BLOCK_EDIT_MINUTES must not be negative", ErrInvalid)
	}
	if _, err := cron.ParseStandard(c.DueCheckInterval); err != nil {
		return fmt.Errorf("%w: DUE_CHECK_INTERVAL: %w", ErrInvalid, err)
	}
	return nil
}

package tracking

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLatestWindow     = 10 * time.Minute
	defaultActivePixWindow  = time.Hour
	defaultSessionTTL       = 30 * 24 * time.Hour
	defaultProductCacheTTL  = 24 * time.Hour
	defaultMappingRetention = 30 * 24 * time.Hour
	defaultPendingMaxAge    = 48 * time.Hour
	defaultSweepInterval    = 5 * time.Minute
	defaultExpireInDays     = 1
	defaultKafkaTopic       = "pix-conversions"
	defaultArchiveRegion    = "us-east-1"
	defaultArchivePrefix    = "webhooks"
)

// TrackingConfig holds runtime configuration for the tracking module.
type TrackingConfig struct {
	PublicURL string

	TribopayAPIToken     string
	TribopayBaseURL      string
	TribopayCoverURL     string
	TribopaySalePageURL  string
	TribopayExpireInDays int
	WebhookSecret        string

	XtrackyURL   string
	XtrackyToken string

	KafkaBrokers []string
	KafkaTopic   string

	// RemoteMappingURL points decoding at another service's mapping API
	// instead of the local Redis store.
	RemoteMappingURL string

	LatestWindow     time.Duration
	ActivePixWindow  time.Duration
	SessionTTL       time.Duration
	ProductCacheTTL  time.Duration
	MappingRetention time.Duration
	PendingMaxAge    time.Duration
	SweepInterval    time.Duration

	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePrefix    string
}

// PostbackURL is the webhook address handed to TriboPay with each charge.
func (c TrackingConfig) PostbackURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/webhook/tribopay"
}

// LoadTrackingConfig reads configuration from environment variables and applies defaults.
func LoadTrackingConfig() (TrackingConfig, error) {
	cfg := TrackingConfig{
		TribopayExpireInDays: defaultExpireInDays,
		KafkaTopic:           defaultKafkaTopic,
		LatestWindow:         defaultLatestWindow,
		ActivePixWindow:      defaultActivePixWindow,
		SessionTTL:           defaultSessionTTL,
		ProductCacheTTL:      defaultProductCacheTTL,
		MappingRetention:     defaultMappingRetention,
		PendingMaxAge:        defaultPendingMaxAge,
		SweepInterval:        defaultSweepInterval,
		ArchiveRegion:        defaultArchiveRegion,
		ArchivePrefix:        defaultArchivePrefix,
	}

	cfg.PublicURL = strings.TrimSpace(os.Getenv("PUBLIC_URL"))
	cfg.TribopayAPIToken = strings.TrimSpace(os.Getenv("TRIBOPAY_API_TOKEN"))
	if cfg.TribopayAPIToken == "" {
		return TrackingConfig{}, fmt.Errorf("TRIBOPAY_API_TOKEN is required")
	}
	cfg.TribopayBaseURL = os.Getenv("TRIBOPAY_BASE_URL")
	cfg.TribopayCoverURL = os.Getenv("TRIBOPAY_COVER_URL")
	cfg.TribopaySalePageURL = os.Getenv("TRIBOPAY_SALE_PAGE_URL")
	cfg.WebhookSecret = os.Getenv("TRIBOPAY_WEBHOOK_SECRET")

	if v, err := readIntEnv("TRIBOPAY_EXPIRE_IN_DAYS"); err != nil {
		return TrackingConfig{}, fmt.Errorf("parse TRIBOPAY_EXPIRE_IN_DAYS: %w", err)
	} else if v != nil {
		cfg.TribopayExpireInDays = *v
	}

	cfg.XtrackyURL = os.Getenv("XTRACKY_URL")
	cfg.XtrackyToken = os.Getenv("XTRACKY_TOKEN")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("KAFKA_CONVERSIONS_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}

	cfg.RemoteMappingURL = os.Getenv("TRACKING_REMOTE_URL")

	durations := []struct {
		name string
		unit time.Duration
		dst  *time.Duration
	}{
		{"TRACKING_LATEST_WINDOW_SECONDS", time.Second, &cfg.LatestWindow},
		{"ACTIVE_PIX_WINDOW_SECONDS", time.Second, &cfg.ActivePixWindow},
		{"SESSION_TTL_HOURS", time.Hour, &cfg.SessionTTL},
		{"PRODUCT_CACHE_TTL_HOURS", time.Hour, &cfg.ProductCacheTTL},
		{"MAPPING_RETENTION_HOURS", time.Hour, &cfg.MappingRetention},
		{"PIX_PENDING_MAX_AGE_HOURS", time.Hour, &cfg.PendingMaxAge},
		{"SWEEP_INTERVAL_SECONDS", time.Second, &cfg.SweepInterval},
	}
	for _, d := range durations {
		v, err := readIntEnv(d.name)
		if err != nil {
			return TrackingConfig{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if v != nil {
			*d.dst = time.Duration(*v) * d.unit
		}
	}

	cfg.ArchiveBucket = os.Getenv("ARCHIVE_S3_BUCKET")
	cfg.ArchiveEndpoint = os.Getenv("ARCHIVE_S3_ENDPOINT")
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.ArchiveRegion = v
	}
	cfg.ArchiveAccessKey = os.Getenv("ARCHIVE_S3_ACCESS_KEY")
	cfg.ArchiveSecretKey = os.Getenv("ARCHIVE_S3_SECRET_KEY")
	if v, ok := os.LookupEnv("ARCHIVE_S3_PREFIX"); ok {
		cfg.ArchivePrefix = v
	}

	if err := cfg.validate(); err != nil {
		return TrackingConfig{}, err
	}
	return cfg, nil
}

func (c TrackingConfig) validate() error {
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute URL")
		}
	}
	if c.TribopayExpireInDays < 1 {
		return fmt.Errorf("TRIBOPAY_EXPIRE_IN_DAYS must be >= 1")
	}
	if c.LatestWindow < 0 || c.ActivePixWindow < 0 {
		return fmt.Errorf("tracking windows must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if (c.ArchiveAccessKey == "") != (c.ArchiveSecretKey == "") {
		return fmt.Errorf("ARCHIVE_S3 credentials incomplete")
	}
	return nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the prelist service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	EventsAPIURL   string `json:"events_api_url"`
	EventsAPIToken string `json:"events_api_token"`

	DatabasePath  string `json:"database_path"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	HTTPAddr      string `json:"http_addr"`
	ListOutputDir string `json:"list_output_dir"`

	PreEventOffset    time.Duration `json:"-"`
	PreEventOffsetStr string        `json:"pre_event_offset"`

	FetchWindowHours int `json:"fetch_window_hours"`

	RunInterval    time.Duration `json:"-"`
	RunIntervalStr string        `json:"run_interval"`

	// FetchCron overrides RunInterval with a cron expression when set.
	FetchCron string `json:"fetch_cron,omitempty"`

	GraceWindow    time.Duration `json:"-"`
	GraceWindowStr string        `json:"grace_window"`

	RetryMaxAttempts  int           `json:"retry_max_attempts"`
	RetryBaseDelay    time.Duration `json:"-"`
	RetryBaseDelayStr string        `json:"retry_base_delay"`

	WebhookEnabled    bool          `json:"webhook_enabled"`
	WebhookURL        string        `json:"webhook_url"`
	WebhookSecret     string        `json:"webhook_secret"`
	WebhookTimeout    time.Duration `json:"-"`
	WebhookTimeoutStr string        `json:"webhook_timeout"`

	DatabaseCleanupDays int `json:"database_cleanup_days"`

	CacheCapacity    int           `json:"cache_capacity"`
	CacheStaleTTL    time.Duration `json:"-"`
	CacheStaleTTLStr string        `json:"cache_stale_ttl"`

	// CBFailureThreshold: 0 disables the circuit breaker.
	CBFailureThreshold int           `json:"cb_failure_threshold"`
	CBSuccessThreshold int           `json:"cb_success_threshold"`
	CBCooldown         time.Duration `json:"-"`
	CBCooldownStr      string        `json:"cb_cooldown"`

	StoreBusyRetries int           `json:"store_busy_retries"`
	StoreOpTimeout   time.Duration `json:"-"`
	StoreOpTimeoutStr string       `json:"store_op_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	NotifyDrainTimeout     time.Duration `json:"-"`
	NotifyDrainTimeoutStr  string        `json:"notify_drain_timeout"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		EventsAPIURL:           os.Getenv("EVENTS_API_URL"),
		EventsAPIToken:         os.Getenv("EVENTS_API_TOKEN"),
		DatabasePath:           os.Getenv("DATABASE_PATH"),
		ListOutputDir:          os.Getenv("LIST_OUTPUT_DIR"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		PreEventOffsetStr:      os.Getenv("PRE_EVENT_OFFSET"),
		RunIntervalStr:         os.Getenv("RUN_INTERVAL"),
		FetchCron:              os.Getenv("FETCH_CRON"),
		GraceWindowStr:         os.Getenv("GRACE_WINDOW"),
		RetryBaseDelayStr:      os.Getenv("RETRY_BASE_DELAY"),
		WebhookEnabled:         os.Getenv("WEBHOOK_ENABLED") == "true",
		WebhookURL:             os.Getenv("WEBHOOK_URL"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		WebhookTimeoutStr:      os.Getenv("WEBHOOK_TIMEOUT"),
		CacheStaleTTLStr:       os.Getenv("CACHE_STALE_TTL"),
		CBCooldownStr:          os.Getenv("CB_COOLDOWN"),
		StoreOpTimeoutStr:      os.Getenv("STORE_OP_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		MetricsPort:            os.Getenv("METRICS_PORT"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		NotifyDrainTimeoutStr:  os.Getenv("NOTIFY_DRAIN_TIMEOUT"),
	}

	cfg.FetchWindowHours = loadInt("FETCH_WINDOW_HOURS", 72)
	cfg.RetryMaxAttempts = loadInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.DatabaseCleanupDays = loadInt("DATABASE_CLEANUP_DAYS", 30)
	cfg.CacheCapacity = loadInt("CACHE_CAPACITY", 128)
	cfg.CBSuccessThreshold = loadInt("CB_SUCCESS_THRESHOLD", 2)
	cfg.StoreBusyRetries = loadInt("STORE_BUSY_RETRIES", 5)

	// Distinct from the others: an explicit 0 disables the breaker.
	if s := os.Getenv("CB_FAILURE_THRESHOLD"); s != "" {
		if n, err := parseInt(s); err == nil {
			cfg.CBFailureThreshold = n
		} else {
			log.Printf("config: invalid CB_FAILURE_THRESHOLD %q, using default 5", s)
			cfg.CBFailureThreshold = 5
		}
	} else {
		cfg.CBFailureThreshold = 5
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "prelist.db"
	}
	if cfg.ListOutputDir == "" {
		cfg.ListOutputDir = "attendee-lists"
	}
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.PreEventOffsetStr == "" {
		cfg.PreEventOffsetStr = "30m"
	}
	if cfg.RunIntervalStr == "" {
		cfg.RunIntervalStr = "1h"
	}
	if cfg.GraceWindowStr == "" {
		cfg.GraceWindowStr = "60m"
	}
	if cfg.RetryBaseDelayStr == "" {
		cfg.RetryBaseDelayStr = "5m"
	}
	if cfg.WebhookTimeoutStr == "" {
		cfg.WebhookTimeoutStr = "10s"
	}
	if cfg.CacheStaleTTLStr == "" {
		cfg.CacheStaleTTLStr = "24h"
	}
	if cfg.CBCooldownStr == "" {
		cfg.CBCooldownStr = "1m"
	}
	if cfg.StoreOpTimeoutStr == "" {
		cfg.StoreOpTimeoutStr = "5s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.NotifyDrainTimeoutStr == "" {
		cfg.NotifyDrainTimeoutStr = "30s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.PreEventOffsetStr); err == nil {
		cfg.PreEventOffset = d
	}
	if d, err := time.ParseDuration(cfg.RunIntervalStr); err == nil {
		cfg.RunInterval = d
	}
	if d, err := time.ParseDuration(cfg.GraceWindowStr); err == nil {
		cfg.GraceWindow = d
	}
	if d, err := time.ParseDuration(cfg.RetryBaseDelayStr); err == nil {
		cfg.RetryBaseDelay = d
	}
	if d, err := time.ParseDuration(cfg.WebhookTimeoutStr); err == nil {
		cfg.WebhookTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CacheStaleTTLStr); err == nil {
		cfg.CacheStaleTTL = d
	}
	if d, err := time.ParseDuration(cfg.CBCooldownStr); err == nil {
		cfg.CBCooldown = d
	}
	if d, err := time.ParseDuration(cfg.StoreOpTimeoutStr); err == nil {
		cfg.StoreOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.NotifyDrainTimeoutStr); err == nil {
		cfg.NotifyDrainTimeout = d
	}

	return cfg
}

// loadInt reads a positive integer environment variable, falling back to
// def when unset or invalid.
func loadInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		EventsAPIURL        string `json:"events_api_url"`
		EventsAPIToken      string `json:"events_api_token"`
		DatabasePath        string `json:"database_path"`
		RedisAddr           string `json:"redis_addr,omitempty"`
		HTTPAddr            string `json:"http_addr"`
		ListOutputDir       string `json:"list_output_dir"`
		PreEventOffset      string `json:"pre_event_offset"`
		FetchWindowHours    int    `json:"fetch_window_hours"`
		RunInterval         string `json:"run_interval"`
		FetchCron           string `json:"fetch_cron,omitempty"`
		GraceWindow         string `json:"grace_window"`
		RetryMaxAttempts    int    `json:"retry_max_attempts"`
		RetryBaseDelay      string `json:"retry_base_delay"`
		WebhookEnabled      bool   `json:"webhook_enabled"`
		WebhookURL          string `json:"webhook_url"`
		WebhookSecret       string `json:"webhook_secret"`
		WebhookTimeout      string `json:"webhook_timeout"`
		DatabaseCleanupDays int    `json:"database_cleanup_days"`
		CacheCapacity       int    `json:"cache_capacity"`
		CacheStaleTTL       string `json:"cache_stale_ttl"`
		CBFailureThreshold  int    `json:"cb_failure_threshold"`
		CBSuccessThreshold  int    `json:"cb_success_threshold"`
		CBCooldown          string `json:"cb_cooldown"`
		StoreBusyRetries    int    `json:"store_busy_retries"`
		StoreOpTimeout      string `json:"store_op_timeout"`
		MetricsEnabled      bool   `json:"metrics_enabled"`
		MetricsPath         string `json:"metrics_path"`
		MetricsPort         string `json:"metrics_port"`
		HTTPShutdownTimeout string `json:"http_shutdown_timeout"`
		NotifyDrainTimeout  string `json:"notify_drain_timeout"`
	}{
		EventsAPIURL:        c.EventsAPIURL,
		EventsAPIToken:      maskSecret(c.EventsAPIToken),
		DatabasePath:        c.DatabasePath,
		RedisAddr:           c.RedisAddr,
		HTTPAddr:            c.HTTPAddr,
		ListOutputDir:       c.ListOutputDir,
		PreEventOffset:      c.PreEventOffsetStr,
		FetchWindowHours:    c.FetchWindowHours,
		RunInterval:         c.RunIntervalStr,
		FetchCron:           c.FetchCron,
		GraceWindow:         c.GraceWindowStr,
		RetryMaxAttempts:    c.RetryMaxAttempts,
		RetryBaseDelay:      c.RetryBaseDelayStr,
		WebhookEnabled:      c.WebhookEnabled,
		WebhookURL:          c.WebhookURL,
		WebhookSecret:       maskSecret(c.WebhookSecret),
		WebhookTimeout:      c.WebhookTimeoutStr,
		DatabaseCleanupDays: c.DatabaseCleanupDays,
		CacheCapacity:       c.CacheCapacity,
		CacheStaleTTL:       c.CacheStaleTTLStr,
		CBFailureThreshold:  c.CBFailureThreshold,
		CBSuccessThreshold:  c.CBSuccessThreshold,
		CBCooldown:          c.CBCooldownStr,
		StoreBusyRetries:    c.StoreBusyRetries,
		StoreOpTimeout:      c.StoreOpTimeoutStr,
		MetricsEnabled:      c.MetricsEnabled,
		MetricsPath:         c.MetricsPath,
		MetricsPort:         c.MetricsPort,
		HTTPShutdownTimeout: c.HTTPShutdownTimeoutStr,
		NotifyDrainTimeout:  c.NotifyDrainTimeoutStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value entirely.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the settings of a
// delivery check run: ad platform access, report polling, messaging,
// dedup state storage, logging, the serve-mode HTTP server and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // REPORT_TIMEZONE must resolve on hosts without zoneinfo
)

// ErrConfiguration is matched by every error Load returns.
var ErrConfiguration = errors.New("configuration error")

// MissingError lists required settings that were not provided.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required settings: " + strings.Join(e.Keys, ", ")
}

// Is makes errors.Is(err, ErrConfiguration) hold.
func (e *MissingError) Is(target error) bool { return target == ErrConfiguration }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}

// State backends.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendSQLite = "sqlite"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StateConfig selects where dedup partitions are kept.
type StateConfig struct {
	Enabled    bool   // STATE_ENABLED
	Backend    string // fs|s3|sqlite
	Bucket     string // s3://bucket[/prefix] or bucket[/prefix]
	Prefix     string // key prefix inside the backend
	Dir        string // root directory for the fs backend
	AWSProfile string
	AWSRegion  string
}

// Config holds all configuration values for the application.
type Config struct {
	// Ad platform
	ApplicationName    string
	NetworkCode        string
	ServiceAccountJSON string // inline JSON or a file path
	ReportID           int64
	GAMVersion         string

	// Report polling
	PollInterval  time.Duration
	MaxPolls      int
	RetryAttempts int
	RetryDelay    time.Duration
	Timezone      string
	Location      *time.Location
	RulesPath     string

	// Messaging
	SlackBotToken       string
	SlackWebhook        string
	StatusSlackWebhook  string
	SlackRateLimitDelay time.Duration

	// Storage
	State       StateConfig
	DBPath      string
	ArtifactDir string

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool
	LogFile   string

	// Server (serve mode)
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string
	APIBasePath       string
	RunInterval       time.Duration
	RateRPS           float64 // POST /runs, per client
	RateBurst         int
	CORS              CORSConfig

	// Observability
	PushgatewayURL string
	OTEL           OTELConfig
}

// required maps each mandatory env key to its value after loading.
func (c Config) required() map[string]string {
	return map[string]string{
		"APPLICATION_NAME":     c.ApplicationName,
		"NETWORK_CODE":         c.NetworkCode,
		"SERVICE_ACCOUNT_JSON": c.ServiceAccountJSON,
		"GOOGLE_ADS_REPORT_ID": getenv("GOOGLE_ADS_REPORT_ID", ""),
		"SLACK_BOT_TOKEN":      c.SlackBotToken,
		"SLACK_WEBHOOK":        c.SlackWebhook,
	}
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
// Missing required settings are reported together as a *MissingError.
func Load() (Config, error) {
	cfg := Config{
		// Ad platform
		ApplicationName:    getenv("APPLICATION_NAME", ""),
		NetworkCode:        getenv("NETWORK_CODE", ""),
		ServiceAccountJSON: getenv("SERVICE_ACCOUNT_JSON", ""),
		GAMVersion:         getenv("GAM_API_VERSION", "v202508"),

		// Report polling
		PollInterval:  getdur("REPORT_POLL_INTERVAL", 30*time.Second),
		MaxPolls:      getint("REPORT_MAX_POLLS", 20),
		RetryAttempts: getint("RETRY_ATTEMPTS", 3),
		RetryDelay:    getdur("RETRY_DELAY", 5*time.Second),
		Timezone:      getenv("REPORT_TIMEZONE", "America/New_York"),
		RulesPath:     getenv("RULES_PATH", ""),

		// Messaging
		SlackBotToken:       getenv("SLACK_BOT_TOKEN", ""),
		SlackWebhook:        getenv("SLACK_WEBHOOK", ""),
		StatusSlackWebhook:  getenv("STATUS_SLACK_WEBHOOK", ""),
		SlackRateLimitDelay: getdur("SLACK_RATE_LIMIT_DELAY", 2*time.Second),

		// Storage
		State: StateConfig{
			Enabled:    getbool("STATE_ENABLED", true),
			Backend:    strings.ToLower(getenv("STATE_BACKEND", BackendFS)),
			Bucket:     getenv("STATE_BUCKET", ""),
			Prefix:     strings.Trim(getenv("STATE_PREFIX", ""), "/"),
			Dir:        getenv("STATE_DIR", "state"),
			AWSProfile: getenv("AWS_PROFILE", ""),
			AWSRegion:  getenv("AWS_REGION", ""),
		},
		DBPath:      getenv("DB_PATH", "deliverycheck.db"),
		ArtifactDir: getenv("ARTIFACT_DIR", ""),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
		LogFile:   getenv("LOG_FILE", ""),

		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		RunInterval:       getdur("RUN_INTERVAL", 24*time.Hour),
		RateRPS:           getfloat("RATE_RPS", 0.2),
		RateBurst:         getint("RATE_BURST", 2),
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability
		PushgatewayURL: getenv("PUSHGATEWAY_URL", ""),
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "deliverycheck"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- required ---
	var missing []string
	for k, v := range cfg.required() {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cfg, &MissingError{Keys: missing}
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	id, err := strconv.ParseInt(strings.TrimSpace(getenv("GOOGLE_ADS_REPORT_ID", "")), 10, 64)
	if err != nil || id <= 0 {
		return cfg, invalid("GOOGLE_ADS_REPORT_ID must be a positive integer")
	}
	cfg.ReportID = id
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return cfg, invalid("REPORT_TIMEZONE %q: %v", cfg.Timezone, err)
	}
	cfg.Location = loc

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, invalid("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if cfg.PollInterval <= 0 {
		return cfg, invalid("REPORT_POLL_INTERVAL must be > 0")
	}
	if cfg.MaxPolls < 1 {
		return cfg, invalid("REPORT_MAX_POLLS must be >= 1")
	}
	if cfg.RetryAttempts < 1 {
		return cfg, invalid("RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.RetryDelay <= 0 {
		return cfg, invalid("RETRY_DELAY must be > 0")
	}
	if cfg.SlackRateLimitDelay < 0 {
		return cfg, invalid("SLACK_RATE_LIMIT_DELAY must be >= 0")
	}
	switch cfg.State.Backend {
	case BackendFS:
		if strings.TrimSpace(cfg.State.Dir) == "" {
			return cfg, invalid("STATE_DIR must not be empty for the fs backend")
		}
	case BackendS3:
		if cfg.State.Enabled && strings.TrimSpace(cfg.State.Bucket) == "" {
			return cfg, invalid("STATE_BUCKET is required for the s3 backend")
		}
	case BackendSQLite:
	default:
		return cfg, invalid("STATE_BACKEND must be one of: fs, s3, sqlite")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, invalid("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, invalid("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, invalid("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, invalid("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RunInterval <= 0 {
		return cfg, invalid("RUN_INTERVAL must be > 0")
	}
	if cfg.RateRPS <= 0 || cfg.RateBurst < 1 {
		return cfg, invalid("RATE_RPS must be > 0 and RATE_BURST >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, invalid("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

// getdur accepts Go durations ("2s") and bare numbers as seconds.
func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

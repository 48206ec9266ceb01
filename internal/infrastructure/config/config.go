package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	HTTP      HTTPConfig
	JWT       JWTConfig
	Telemetry TelemetryConfig
	Profiling ProfilingConfig
	Usage     UsageConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name    string `validate:"required"`
	Env     string `validate:"oneof=development testing staging production"`
	Host    string
	Port    string `validate:"required,numeric"`
	Version string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=json console"`
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration `validate:"gt=0"`
	WriteTimeout     time.Duration `validate:"gt=0"`
	IdleTimeout      time.Duration `validate:"gt=0"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
	MaxHeaderBytes   int           `validate:"gt=0"`
	MaxBodyBytes     int64         `validate:"gt=0"`
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// JWTConfig holds bearer token settings for tenant authentication
type JWTConfig struct {
	// Required makes a valid token mandatory on API routes. When false a
	// token is verified if present and requests without one pass through.
	Required   bool
	Secret     string
	Issuer     string
	Expiration time.Duration `validate:"gt=0"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	MetricsEnabled    bool
	LogsEnabled       bool          // Export logs over OTLP alongside local output
	CollectorEndpoint string        // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64       `validate:"gte=0,lte=1"`
	ServiceName       string        `validate:"required"`
	Insecure          bool          // Use insecure (non-TLS) connection (development only)
	ExportInterval    time.Duration `validate:"gt=0"`
}

// ProfilingConfig holds Pyroscope continuous profiling configuration
type ProfilingConfig struct {
	Enabled           bool
	ServerAddress     string `validate:"required_if=Enabled true,omitempty,url"`
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	ProfileTypes      []string
}

// UsageConfig holds usage metering configuration
type UsageConfig struct {
	Enabled             bool
	TrackingURL         string        `validate:"required,url"`
	BatchSize           int           `validate:"gte=1"`
	BatchFlushInterval  time.Duration `validate:"gt=0"`
	EnableBatching      bool
	DetailedMetrics     bool
	TrackingTimeout     time.Duration `validate:"gt=0"`
	MaxRetries          int           `validate:"gte=0"`
	RetryDelay          time.Duration `validate:"gte=0"`
	MaxDeliveryTime     time.Duration `validate:"gte=0"`
	CaptureResponseBody bool
	MaxCaptureBytes     int64         `validate:"gt=0"`
	DrainTimeout        time.Duration `validate:"gt=0"`
}

// legacyEnv maps config keys to the unprefixed environment variables the
// service has always honoured. PM_-prefixed names still win when both are set.
var legacyEnv = map[string]string{
	"app.port":                    "PORT",
	"app.host":                    "HOST",
	"log.level":                   "LOG_LEVEL",
	"jwt.secret":                  "JWT_SECRET",
	"jwt.expiration":              "JWT_EXPIRES_IN",
	"http.cors_allow_origins":     "CORS_ORIGINS",
	"usage.tracking_url":          "USAGE_TRACKING_URL",
	"usage.batch_size":            "USAGE_BATCH_SIZE",
	"usage.batch_flush_ms":        "USAGE_BATCH_FLUSH_MS",
	"usage.enable_batching":       "USAGE_ENABLE_BATCHING",
	"usage.detailed_metrics":      "USAGE_DETAILED_METRICS",
	"usage.tracking_timeout_ms":   "USAGE_TRACKING_TIMEOUT_MS",
	"usage.max_retries":           "USAGE_MAX_RETRIES",
	"usage.retry_delay_ms":        "USAGE_RETRY_DELAY_MS",
	"usage.max_delivery_ms":       "USAGE_MAX_DELIVERY_MS",
	"usage.capture_response_body": "USAGE_CAPTURE_RESPONSE_BODY",
	"usage.max_capture_bytes":     "USAGE_MAX_CAPTURE_BYTES",
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with PM_ prefix (e.g., PM_USAGE_BATCH_SIZE)
// 2. Legacy unprefixed variables (e.g., USAGE_BATCH_SIZE)
// 3. config.toml
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, env := range legacyEnv {
		prefixed := "PM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Host:    v.GetString("app.host"),
			Port:    v.GetString("app.port"),
			Version: v.GetString("app.version"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodyBytes:     v.GetInt64("http.max_body_bytes"),
			CORSAllowOrigins: splitList(v.GetStringSlice("http.cors_allow_origins")),
			CORSAllowMethods: splitList(v.GetStringSlice("http.cors_allow_methods")),
			CORSAllowHeaders: splitList(v.GetStringSlice("http.cors_allow_headers")),
			TrustedProxies:   splitList(v.GetStringSlice("http.trusted_proxies")),
		},
		JWT: JWTConfig{
			Required:   v.GetBool("jwt.required"),
			Secret:     v.GetString("jwt.secret"),
			Issuer:     v.GetString("jwt.issuer"),
			Expiration: parseDays(v.GetString("jwt.expiration")),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
		},
		Profiling: ProfilingConfig{
			Enabled:           v.GetBool("profiling.enabled"),
			ServerAddress:     v.GetString("profiling.server_address"),
			ApplicationName:   v.GetString("profiling.application_name"),
			BasicAuthUser:     v.GetString("profiling.basic_auth_user"),
			BasicAuthPassword: v.GetString("profiling.basic_auth_password"),
			ProfileTypes:      splitList(v.GetStringSlice("profiling.profile_types")),
		},
		Usage: UsageConfig{
			Enabled:             v.GetBool("usage.enabled"),
			TrackingURL:         v.GetString("usage.tracking_url"),
			BatchSize:           v.GetInt("usage.batch_size"),
			BatchFlushInterval:  millis(v.GetInt64("usage.batch_flush_ms")),
			EnableBatching:      v.GetBool("usage.enable_batching"),
			DetailedMetrics:     v.GetBool("usage.detailed_metrics"),
			TrackingTimeout:     millis(v.GetInt64("usage.tracking_timeout_ms")),
			MaxRetries:          v.GetInt("usage.max_retries"),
			RetryDelay:          millis(v.GetInt64("usage.retry_delay_ms")),
			MaxDeliveryTime:     millis(v.GetInt64("usage.max_delivery_ms")),
			CaptureResponseBody: v.GetBool("usage.capture_response_body"),
			MaxCaptureBytes:     v.GetInt64("usage.max_capture_bytes"),
			DrainTimeout:        v.GetDuration("usage.drain_timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers defaults for keys whose zero value is meaningful,
// so an explicit false or 0 from the environment is not replaced later.
func setDefaults(v *viper.Viper) {
	v.SetDefault("usage.enabled", true)
	v.SetDefault("usage.tracking_url", "http://nexus-auth:9101/internal/track-usage")
	v.SetDefault("usage.batch_size", 10)
	v.SetDefault("usage.batch_flush_ms", 5000)
	v.SetDefault("usage.enable_batching", false)
	v.SetDefault("usage.detailed_metrics", true)
	v.SetDefault("usage.tracking_timeout_ms", 5000)
	v.SetDefault("usage.max_retries", 2)
	v.SetDefault("usage.retry_delay_ms", 1000)
	v.SetDefault("usage.max_delivery_ms", 0)
	v.SetDefault("usage.capture_response_body", false)
	v.SetDefault("usage.max_capture_bytes", 1<<20)
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "property-management"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Host == "" {
		cfg.App.Host = "0.0.0.0"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "9020"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "1.0.0"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 && cfg.App.Env != "production" {
		cfg.HTTP.CORSAllowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-User-ID", "X-Organization-ID", "X-App-ID"}
	}
	if cfg.JWT.Secret == "" && cfg.App.Env != "production" {
		cfg.JWT.Secret = "your-secret-key-change-in-production"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "nexus-auth"
	}
	if cfg.JWT.Expiration == 0 {
		cfg.JWT.Expiration = 7 * 24 * time.Hour
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = cfg.App.Name
	}
	if cfg.Usage.DrainTimeout == 0 {
		cfg.Usage.DrainTimeout = 10 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			fe := invalid[0]
			return fmt.Errorf("invalid config %s: failed %q rule (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.App.Env == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (a AppConfig) Addr() string {
	return a.Host + ":" + a.Port
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// parseDays accepts a Go duration or a day count such as "7d".
func parseDays(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// splitList flattens comma-separated entries, as env vars deliver one string.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

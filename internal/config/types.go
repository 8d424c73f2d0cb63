package config

import "time"

// Config represents the complete hookgate configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Queue    QueueConfig    `yaml:"queue"`
	API      APIConfig      `yaml:"api,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format,omitempty"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LockPath        string        `yaml:"lock_path,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WebhooksConfig defines the intake listener and the ledger's retry policy.
type WebhooksConfig struct {
	Listen         string            `yaml:"listen"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	MaxRetries     int               `yaml:"max_retries"`
	RetryDelay     time.Duration     `yaml:"retry_delay"`
	StaleAfter     time.Duration     `yaml:"stale_after"`
	Retention      time.Duration     `yaml:"retention"`
	MaxBodySize    string            `yaml:"max_body_size"`
	Endpoints      []WebhookEndpoint `yaml:"endpoints"`
}

// RetentionDays returns the retention window rounded down to whole days, at least one.
func (w WebhooksConfig) RetentionDays() int {
	days := int(w.Retention / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}

// WebhookEndpoint defines a single provider endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Provider        string `yaml:"provider"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	Mode            string `yaml:"mode"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

// Endpoint processing modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// QueueConfig defines the async job queue and its worker pool.
type QueueConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	KeepCompleted int           `yaml:"keep_completed"`
	KeepFailed    int           `yaml:"keep_failed"`
}

// APIConfig defines the admin HTTP API settings.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// TracingConfig defines OpenTelemetry span export.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
)

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ChecksumManifest is the on-disk .checksums format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// defaultSignatureHeaders maps known providers to the header they sign with.
var defaultSignatureHeaders = map[string]string{
	"razorpay": "X-Razorpay-Signature",
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "hookgate",
			LogLevel:        "info",
			LogFormat:       "json",
			TickInterval:    15 * time.Second,
			CleanupInterval: 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/hookgate.db",
		},
		Webhooks: WebhooksConfig{
			Listen:         "127.0.0.1:8081",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     5 * time.Second,
			StaleAfter:     2 * time.Minute,
			Retention:      30 * 24 * time.Hour,
			MaxBodySize:    "1MB",
		},
		Queue: QueueConfig{
			Workers:       5,
			MaxAttempts:   3,
			BackoffBase:   2 * time.Second,
			PollInterval:  time.Second,
			JobTimeout:    30 * time.Second,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Tracing: TracingConfig{
			Exporter:    TraceExporterNone,
			SampleRatio: 1,
		},
	}
}

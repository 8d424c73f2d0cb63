package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config file at configPath.
// When a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyConfigFile(absPath); err != nil && !errors.Is(err, ErrNoChecksums) {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.CleanupInterval == 0 {
		cfg.Service.CleanupInterval = defaults.Service.CleanupInterval
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	wh := &cfg.Webhooks
	if wh.Listen == "" {
		wh.Listen = defaults.Webhooks.Listen
	}
	if wh.RequestTimeout == 0 {
		wh.RequestTimeout = defaults.Webhooks.RequestTimeout
	}
	if wh.MaxRetries == 0 {
		wh.MaxRetries = defaults.Webhooks.MaxRetries
	}
	if wh.RetryDelay == 0 {
		wh.RetryDelay = defaults.Webhooks.RetryDelay
	}
	if wh.StaleAfter == 0 {
		wh.StaleAfter = defaults.Webhooks.StaleAfter
	}
	if wh.Retention == 0 {
		wh.Retention = defaults.Webhooks.Retention
	}
	if wh.MaxBodySize == "" {
		wh.MaxBodySize = defaults.Webhooks.MaxBodySize
	}
	for i := range wh.Endpoints {
		ep := &wh.Endpoints[i]
		ep.Provider = strings.ToLower(strings.TrimSpace(ep.Provider))
		if ep.Mode == "" {
			ep.Mode = ModeSync
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = defaultSignatureHeaders[ep.Provider]
		}
		if ep.MaxBodySize == "" {
			ep.MaxBodySize = wh.MaxBodySize
		}
	}

	q := &cfg.Queue
	if q.Workers == 0 {
		q.Workers = defaults.Queue.Workers
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = defaults.Queue.BackoffBase
	}
	if q.PollInterval == 0 {
		q.PollInterval = defaults.Queue.PollInterval
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = wh.RequestTimeout
	}
	if q.KeepCompleted == 0 {
		q.KeepCompleted = defaults.Queue.KeepCompleted
	}
	if q.KeepFailed == 0 {
		q.KeepFailed = defaults.Queue.KeepFailed
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	tr := &cfg.Tracing
	tr.Exporter = strings.ToLower(strings.TrimSpace(tr.Exporter))
	if tr.Exporter == "" {
		tr.Exporter = defaults.Tracing.Exporter
	}
	if tr.SampleRatio == 0 {
		tr.SampleRatio = defaults.Tracing.SampleRatio
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolvedEnv(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.CleanupInterval <= 0 {
		return fmt.Errorf("service.cleanup_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateWebhooks(&cfg.Webhooks); err != nil {
		return err
	}

	q := cfg.Queue
	if q.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if q.BackoffBase <= 0 || q.PollInterval <= 0 || q.JobTimeout <= 0 {
		return fmt.Errorf("queue.backoff_base, queue.poll_interval and queue.job_timeout must be positive")
	}
	if q.JobTimeout >= cfg.Webhooks.StaleAfter {
		return fmt.Errorf("queue.job_timeout (%s) must be below webhooks.stale_after (%s)", q.JobTimeout, cfg.Webhooks.StaleAfter)
	}
	if q.KeepCompleted < 0 || q.KeepFailed < 0 {
		return fmt.Errorf("queue.keep_completed and queue.keep_failed must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if len(cfg.API.Tokens) == 0 {
			return fmt.Errorf("api.tokens must be non-empty when api.enabled is true")
		}
		for i, tok := range cfg.API.Tokens {
			field := fmt.Sprintf("api.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolvedEnv(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return validateTracing(&cfg.Tracing)
}

func validateTracing(tr *TracingConfig) error {
	switch tr.Exporter {
	case TraceExporterNone, TraceExporterOTLP, TraceExporterStdout:
	default:
		return fmt.Errorf("tracing.exporter must be one of: none, otlp, stdout (got %q)", tr.Exporter)
	}
	if tr.SampleRatio <= 0 || tr.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in (0, 1] (got %g)", tr.SampleRatio)
	}
	if tr.Endpoint == "" {
		return nil
	}
	if err := unresolvedEnv("tracing.endpoint", tr.Endpoint); err != nil {
		return err
	}
	u, err := url.Parse(tr.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("tracing.endpoint must be an http(s) URL (got %q)", tr.Endpoint)
	}
	return nil
}

func validateWebhooks(wh *WebhooksConfig) error {
	if wh.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	if len(wh.Endpoints) == 0 {
		return fmt.Errorf("webhooks.endpoints must define at least one endpoint")
	}
	if wh.MaxRetries < 1 {
		return fmt.Errorf("webhooks.max_retries must be at least 1")
	}
	if wh.RequestTimeout <= 0 || wh.RetryDelay <= 0 || wh.StaleAfter <= 0 || wh.Retention <= 0 {
		return fmt.Errorf("webhooks.request_timeout, retry_delay, stale_after and retention must be positive")
	}
	if wh.StaleAfter <= wh.RequestTimeout {
		return fmt.Errorf("webhooks.stale_after (%s) must exceed webhooks.request_timeout (%s)", wh.StaleAfter, wh.RequestTimeout)
	}
	if _, err := ParseSize(wh.MaxBodySize); err != nil {
		return fmt.Errorf("webhooks.max_body_size: %w", err)
	}

	seen := make(map[string]bool, len(wh.Endpoints))
	for i, ep := range wh.Endpoints {
		prefix := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", prefix, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is declared twice", prefix, ep.Path)
		}
		seen[ep.Path] = true

		if ep.Provider == "" {
			return fmt.Errorf("%s.provider is required", prefix)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", prefix)
		}
		if err := unresolvedEnv(prefix+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required for provider %q", prefix, ep.Provider)
		}
		if ep.Mode != ModeSync && ep.Mode != ModeAsync {
			return fmt.Errorf("%s.mode must be %q or %q (got %q)", prefix, ModeSync, ModeAsync, ep.Mode)
		}
		if _, err := ParseSize(ep.MaxBodySize); err != nil {
			return fmt.Errorf("%s.max_body_size: %w", prefix, err)
		}
	}
	return nil
}

// ParseSize parses size strings like "1MB", "512KB" or "1048576" to bytes.
func ParseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q", size)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

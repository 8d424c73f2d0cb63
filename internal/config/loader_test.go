package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
state:
  path: ./test.db
webhooks:
  endpoints:
    - path: /webhooks/razorpay
      provider: razorpay
      secret: ${HOOKGATE_TEST_SECRET}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: minimalYAML,
			env:  map[string]string{"HOOKGATE_TEST_SECRET": "whsec"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhooks.MaxRetries != 3 {
					t.Errorf("max_retries = %d, want 3", cfg.Webhooks.MaxRetries)
				}
				if cfg.Webhooks.RetryDelay != 5*time.Second {
					t.Errorf("retry_delay = %s, want 5s", cfg.Webhooks.RetryDelay)
				}
				if cfg.Webhooks.RequestTimeout != 30*time.Second {
					t.Errorf("request_timeout = %s, want 30s", cfg.Webhooks.RequestTimeout)
				}
				if cfg.Queue.Workers != 5 || cfg.Queue.MaxAttempts != 3 {
					t.Errorf("queue defaults not applied: %+v", cfg.Queue)
				}
				if cfg.Queue.KeepCompleted != 100 || cfg.Queue.KeepFailed != 50 {
					t.Errorf("queue retention defaults not applied: %+v", cfg.Queue)
				}
				ep := cfg.Webhooks.Endpoints[0]
				if ep.Secret != "whsec" {
					t.Errorf("secret not interpolated: %q", ep.Secret)
				}
				if ep.SignatureHeader != "X-Razorpay-Signature" {
					t.Errorf("signature_header = %q, want provider default", ep.SignatureHeader)
				}
				if ep.Mode != ModeSync {
					t.Errorf("mode = %q, want sync", ep.Mode)
				}
				if ep.MaxBodySize != "1MB" {
					t.Errorf("endpoint max_body_size = %q, want inherited 1MB", ep.MaxBodySize)
				}
				if cfg.Service.LogFormat != "json" {
					t.Errorf("log_format = %q, want json", cfg.Service.LogFormat)
				}
				if cfg.Webhooks.RetentionDays() != 30 {
					t.Errorf("RetentionDays() = %d, want 30", cfg.Webhooks.RetentionDays())
				}
				if cfg.Tracing.Exporter != TraceExporterNone || cfg.Tracing.SampleRatio != 1 {
					t.Errorf("tracing defaults not applied: %+v", cfg.Tracing)
				}
			},
		},
		{
			name:    "unset secret env var fails loudly",
			yaml:    minimalYAML,
			wantErr: "${HOOKGATE_TEST_SECRET} is not set",
		},
		{
			name: "invalid log format",
			yaml: `
service:
  log_format: xml
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: s}
`,
			wantErr: "service.log_format must be json or text",
		},
		{
			name: "invalid mode",
			yaml: `
webhooks:
  endpoints:
    - path: /hooks/rp
      provider: razorpay
      secret: s
      mode: eventually
`,
			wantErr: "mode must be",
		},
		{
			name: "unknown provider needs signature header",
			yaml: `
webhooks:
  endpoints:
    - path: /hooks/acme
      provider: acme
      secret: s
`,
			wantErr: "signature_header is required",
		},
		{
			name: "duplicate paths",
			yaml: `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
    - {path: /hooks/rp, provider: razorpay, secret: b}
`,
			wantErr: "declared twice",
		},
		{
			name: "job_timeout must be below stale_after",
			yaml: `
webhooks:
  stale_after: 40s
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
queue:
  job_timeout: 40s
`,
			wantErr: "queue.job_timeout (40s) must be below webhooks.stale_after (40s)",
		},
		{
			name: "otlp tracing",
			yaml: `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
tracing:
  exporter: OTLP
  endpoint: http://collector:4318/v1/traces
  insecure: true
  sample_ratio: 0.25
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Tracing.Exporter != TraceExporterOTLP || !cfg.Tracing.Insecure || cfg.Tracing.SampleRatio != 0.25 {
					t.Errorf("tracing = %+v", cfg.Tracing)
				}
			},
		},
		{
			name: "unknown trace exporter",
			yaml: `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
tracing:
  exporter: zipkin
`,
			wantErr: "tracing.exporter must be one of",
		},
		{
			name: "trace endpoint must be a URL",
			yaml: `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
tracing:
  exporter: otlp
  endpoint: collector:4318
`,
			wantErr: "tracing.endpoint must be an http(s) URL",
		},
		{
			name: "stale_after must exceed request_timeout",
			yaml: `
webhooks:
  request_timeout: 30s
  stale_after: 10s
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
`,
			wantErr: "stale_after",
		},
		{
			name: "no endpoints",
			yaml: `
state:
  path: ./x.db
`,
			wantErr: "at least one endpoint",
		},
		{
			name: "api enabled without tokens",
			yaml: `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
api:
  enabled: true
  listen: 127.0.0.1:9000
`,
			wantErr: "api.tokens must be non-empty",
		},
		{
			name: "async endpoint and custom queue",
			yaml: `
webhooks:
  max_body_size: 64KB
  endpoints:
    - {path: /hooks/rp, provider: RazorPay, secret: a, mode: async}
queue:
  workers: 2
  backoff_base: 500ms
`,
			checkFn: func(t *testing.T, cfg *Config) {
				ep := cfg.Webhooks.Endpoints[0]
				if ep.Provider != "razorpay" {
					t.Errorf("provider not normalised: %q", ep.Provider)
				}
				if ep.Mode != ModeAsync {
					t.Errorf("mode = %q, want async", ep.Mode)
				}
				if cfg.Queue.Workers != 2 || cfg.Queue.BackoffBase != 500*time.Millisecond {
					t.Errorf("queue overrides lost: %+v", cfg.Queue)
				}
				if cfg.Queue.JobTimeout != cfg.Webhooks.RequestTimeout {
					t.Errorf("job_timeout should default to request_timeout")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() error = nil, want %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryLooksForConfigYAML(t *testing.T) {
	path := writeConfig(t, `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
`)
	cfg, err := Load(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1MB", 1 << 20, false},
		{"512kb", 512 << 10, false},
		{"2048", 2048, false},
		{"10B", 10, false},
		{"", 0, true},
		{"-1", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

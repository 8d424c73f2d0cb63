package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/hookgate/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "hookgate.db")
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{
		Path:            "/webhooks/razorpay",
		Provider:        "razorpay",
		Secret:          "whsec_0123456789abcdef",
		SignatureHeader: "X-Razorpay-Signature",
		Mode:            config.ModeSync,
	}}
	cfg.Service.TickInterval = cfg.Webhooks.RetryDelay
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
	if got := FormatHuman(r); got != "Configuration valid.\n" {
		t.Fatalf("unexpected report: %q", got)
	}
}

func TestValidate_ListenerCollision(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = cfg.Webhooks.Listen
	cfg.API.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"*"}}}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "listen", "api.listen")
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Tokens = []config.APIToken{
		{Token: "a", Scopes: []string{"webhooks:ro", "jobs:rw"}},
		{Token: "a", Scopes: []string{"*"}},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", "api.tokens[0].scopes[1]")
	assertHasError(t, r, "token_scopes", "api.tokens[1].token")
}

func TestValidate_WebhookPathConflict(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	dup := cfg.Webhooks.Endpoints[0]
	dup.Path += "/"
	cfg.Webhooks.Endpoints = append(cfg.Webhooks.Endpoints, dup)

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "webhooks", "webhooks.endpoints[1].path")
	assertHasWarning(t, r, "webhooks", "webhooks.endpoints[1].provider")
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Webhooks.Endpoints[0].Secret = "short"
	cfg.Webhooks.Endpoints[0].Mode = config.ModeAsync
	cfg.Queue.MaxAttempts = 1
	cfg.Queue.JobTimeout = cfg.Webhooks.StaleAfter
	cfg.Service.TickInterval = cfg.Webhooks.StaleAfter * 2
	cfg.State.Path = filepath.Join(t.TempDir(), "missing", "hookgate.db")

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("warnings must not invalidate: %v", r.Errors)
	}
	assertHasWarning(t, r, "webhooks", "webhooks.endpoints[0].secret")
	assertHasWarning(t, r, "timing", "queue.job_timeout")
	assertHasWarning(t, r, "timing", "service.tick_interval")
	assertHasWarning(t, r, "timing", "queue.max_attempts")
	assertHasWarning(t, r, "state", "state.path")

	out := FormatHuman(r)
	if !strings.HasPrefix(out, "Configuration valid (") {
		t.Fatalf("unexpected report header: %q", out)
	}
}

func TestValidate_UnlockedConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("service: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig(t)
	cfg.SourcePath = path

	r := New(cfg).Validate()
	assertHasWarning(t, r, "integrity", "")

	if _, err := config.LockConfig(path); err != nil {
		t.Fatalf("LockConfig: %v", err)
	}
	r = New(cfg).Validate()
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("locked config still warned: %v", w)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: false, Errors: []Issue{{Category: "listen", Field: "api.listen", Message: "x"}}}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"field": "api.listen"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func assertHasError(t *testing.T, r *Result, category, field string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && e.Field == field {
			return
		}
	}
	t.Fatalf("expected error category=%q field=%q, got %v", category, field, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, field string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && w.Field == field {
			return
		}
	}
	t.Fatalf("expected warning category=%q field=%q, got %v", category, field, r.Warnings)
}
